package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Service routes calls to the Manager of each stream.
type Service struct {
	managers map[Stream]*Manager
}

func NewService(managers ...*Manager) *Service {
	s := &Service{managers: make(map[Stream]*Manager, len(managers))}
	for _, m := range managers {
		s.managers[m.Stream()] = m
	}
	return s
}

func (s *Service) Manager(stream Stream) (*Manager, error) {
	m, ok := s.managers[stream]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	return m, nil
}

func (s *Service) Append(ctx context.Context, userID uint64, stream Stream, payload json.RawMessage, role Role, opts ...AppendOption) (Record, error) {
	m, err := s.Manager(stream)
	if err != nil {
		return Record{}, err
	}
	return m.Append(ctx, userID, role, payload, opts...)
}

func (s *Service) ReadPage(ctx context.Context, userID uint64, stream Stream, limit int, cursor string) (Page, error) {
	m, err := s.Manager(stream)
	if err != nil {
		return Page{}, err
	}
	return m.ReadPage(ctx, userID, limit, cursor)
}

// Invalidate drops cached state of the given streams, or of all streams
// when none is given.
func (s *Service) Invalidate(ctx context.Context, userID uint64, streams ...Stream) error {
	return s.each(streams, func(m *Manager) error { return m.Invalidate(ctx, userID) })
}

// Purge deletes all of a user's history.
func (s *Service) Purge(ctx context.Context, userID uint64) error {
	return s.each(nil, func(m *Manager) error { return m.Purge(ctx, userID) })
}

func (s *Service) each(streams []Stream, fn func(*Manager) error) error {
	if len(streams) == 0 {
		for st := range s.managers {
			streams = append(streams, st)
		}
	}
	var errs []error
	for _, st := range streams {
		m, err := s.Manager(st)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := fn(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
