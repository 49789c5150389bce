package logging

import (
	"go.uber.org/zap"
)

// New returns a development logger when develop is set, a JSON production
// logger otherwise.
func New(develop bool) (*zap.Logger, error) {
	if develop {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// OrNop guards optional logger fields.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
