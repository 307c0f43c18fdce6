package dashboard

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fyrsmithlabs/prgate/internal/events"
)

// Sender is the part of *tea.Program the sink needs.
type Sender interface {
	Send(msg tea.Msg)
}

// Sink feeds run events into a running dashboard program.
type Sink struct {
	program Sender
}

var _ events.Sink = (*Sink)(nil)

// NewSink creates a Sink for p.
func NewSink(p Sender) *Sink {
	return &Sink{program: p}
}

// Publish forwards ev to the dashboard.
func (s *Sink) Publish(_ context.Context, ev events.Event) error {
	s.program.Send(EventMsg(ev))
	return nil
}

// Close tells the dashboard the stream has ended so it exits.
func (s *Sink) Close() error {
	s.program.Send(doneMsg{})
	return nil
}
