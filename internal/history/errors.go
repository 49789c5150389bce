package history

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownUser is a precondition failure; callers must not retry.
	ErrUnknownUser = errors.New("history: unknown user")
	// ErrInvalidCursor is a client input error.
	ErrInvalidCursor = errors.New("history: invalid cursor")

	ErrInvalidPayload = errors.New("history: invalid payload")
	ErrInvalidRole    = errors.New("history: invalid role")
	ErrUnknownStream  = errors.New("history: unknown stream")
)

type Tier string

const (
	TierCache   Tier = "cache"
	TierDurable Tier = "durable"
)

// TierError is a transient failure of one storage tier.
type TierError struct {
	Tier Tier
	Op   string
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("history: %s tier %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

func tierErr(tier Tier, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TierError{Tier: tier, Op: op, Err: err}
}

// IsTier reports whether err carries a TierError of the given tier.
func IsTier(err error, tier Tier) bool {
	var te *TierError
	return errors.As(err, &te) && te.Tier == tier
}
