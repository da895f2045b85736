package runs

import (
	"sync"
)

// StopSignal is the cooperative cancellation flag of one run. The
// orchestrator checks it at every suspension boundary; anything holding
// the signal can raise it exactly once with a reason.
type StopSignal struct {
	mu     sync.Mutex
	ch     chan struct{}
	reason string
	raised bool
}

func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Stop raises the signal. Later calls keep the first reason.
func (s *StopSignal) Stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raised {
		return
	}
	s.raised = true
	s.reason = reason
	close(s.ch)
}

// Stopped reports whether the signal has been raised.
func (s *StopSignal) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raised
}

// Reason returns the first stop reason, or "" if not stopped.
func (s *StopSignal) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once the signal is raised.
func (s *StopSignal) Done() <-chan struct{} {
	return s.ch
}
