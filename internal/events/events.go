// Package events carries run progress from the orchestrator to its
// consumers. The orchestrator owns the channel; consumers implement Sink and
// are driven by Forward.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// Type names an event.
type Type string

const (
	RunStarted      Type = "run.started"
	RunFinished     Type = "run.finished"
	StageStarted    Type = "stage.started"
	StageFinished   Type = "stage.finished"
	StepFinished    Type = "step.finished"
	SuiteFinished   Type = "suite.finished"
	GateEvaluated   Type = "gate.evaluated"
	MonitorSnapshot Type = "monitor.snapshot"
	MonitorAlert    Type = "monitor.alert"
)

// Event is one progress notification.
type Event struct {
	Type    Type           `json:"type"`
	RunID   string         `json:"run_id"`
	Time    time.Time      `json:"time"`
	Stage   pipeline.Stage `json:"stage,omitempty"`
	Name    string         `json:"name,omitempty"`
	Status  string         `json:"status,omitempty"`
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	// Values carries numeric payloads such as monitor samples and scores.
	Values map[string]float64 `json:"values,omitempty"`
}

// Sink consumes events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Forward delivers every event from in to each sink until in is closed,
// then closes the sinks. Sink errors are logged and never stop delivery.
func Forward(ctx context.Context, in <-chan Event, logger *logging.Logger, sinks ...Sink) error {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("events")
	for ev := range in {
		for _, s := range sinks {
			if err := s.Publish(ctx, ev); err != nil {
				logger.Warn(ctx, "event delivery failed",
					zap.String("type", string(ev.Type)),
					zap.String("sink", fmt.Sprintf("%T", s)),
					zap.Error(err),
				)
			}
		}
	}
	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// LogSink writes events to a logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Publish implements Sink.
func (s *LogSink) Publish(ctx context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("run.id", ev.RunID),
		zap.String("type", string(ev.Type)),
	}
	if ev.Stage != "" {
		fields = append(fields, zap.String("stage", string(ev.Stage)))
	}
	if ev.Name != "" {
		fields = append(fields, zap.String("name", ev.Name))
	}
	if ev.Status != "" {
		fields = append(fields, zap.String("status", ev.Status))
	}
	msg := ev.Message
	if msg == "" {
		msg = string(ev.Type)
	}
	switch ev.Type {
	case MonitorSnapshot:
		s.logger.Debug(ctx, msg, fields...)
	case MonitorAlert:
		s.logger.Warn(ctx, msg, fields...)
	default:
		s.logger.Info(ctx, msg, fields...)
	}
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// NATSSink publishes events as JSON on <subject>.<run id>.<type>.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	owned   bool
}

// NewNATSSink publishes on an existing connection. Close flushes but does
// not close conn.
func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("prgate"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSSink{conn: nc, subject: subject, owned: true}, nil
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", s.subject, ev.RunID, ev.Type)
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	if s.owned {
		return s.conn.Drain()
	}
	return s.conn.Flush()
}
