package history

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const cursorVersion = 1

type cursorWire struct {
	V int   `json:"v"`
	T int64 `json:"t"` // created_at, unix microseconds
	S int64 `json:"s"`
}

// EncodeCursor returns an opaque token meaning "everything older than p".
func EncodeCursor(p Position) string {
	b, _ := json.Marshal(cursorWire{V: cursorVersion, T: p.CreatedAt.UnixMicro(), S: p.Seq})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor never falls back to the first page: malformed input is
// ErrInvalidCursor.
func DecodeCursor(s string) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var w cursorWire
	if err := dec.Decode(&w); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if dec.More() {
		return Position{}, fmt.Errorf("%w: trailing data", ErrInvalidCursor)
	}
	if w.V != cursorVersion {
		return Position{}, fmt.Errorf("%w: version %d", ErrInvalidCursor, w.V)
	}
	if w.T <= 0 || w.S <= 0 {
		return Position{}, fmt.Errorf("%w: out of range", ErrInvalidCursor)
	}
	return Position{CreatedAt: time.UnixMicro(w.T).UTC(), Seq: w.S}, nil
}
