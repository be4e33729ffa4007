package control

import (
	"context"
	"sync/atomic"
)

// Signal is an in-process StopSource, triggered by the HTTP API.
type Signal struct {
	requested atomic.Bool
}

// NewSignal returns an untriggered Signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Trigger records a stop instruction.
func (s *Signal) Trigger() {
	s.requested.Store(true)
}

// RequestStop implements StopRequester.
func (s *Signal) RequestStop(context.Context) error {
	s.Trigger()
	return nil
}

// StopRequested implements StopSource.
func (s *Signal) StopRequested(context.Context) (bool, error) {
	return s.requested.Load(), nil
}

// Clear implements StopSource.
func (s *Signal) Clear(context.Context) error {
	s.requested.Store(false)
	return nil
}
