package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/events"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/monitor"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// monitorFeed buffers monitor events between the pump goroutine and the
// goroutine that owns the run.
type monitorFeed struct {
	mu      sync.Mutex
	pending []monitor.Event
	done    chan struct{}
}

func (f *monitorFeed) add(ev monitor.Event) {
	f.mu.Lock()
	f.pending = append(f.pending, ev)
	f.mu.Unlock()
}

func (f *monitorFeed) take() []monitor.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func (o *Orchestrator) startMonitor(ctx context.Context, st *runState) {
	if o.opts.Monitor == nil {
		return
	}
	ch, err := o.opts.Monitor.Start(ctx, st.env.ID)
	if err != nil {
		o.logger.Warn(ctx, "monitor unavailable", zap.Error(err))
		st.run.Log(pipeline.StageProvision, "warn", fmt.Sprintf("monitor unavailable: %v", err))
		return
	}
	feed := &monitorFeed{done: make(chan struct{})}
	st.feed = feed
	go o.pump(ctx, st.run.ID, ch, feed)
}

// pump forwards monitor events until the monitor closes its channel.
func (o *Orchestrator) pump(ctx context.Context, runID string, in <-chan monitor.Event, feed *monitorFeed) {
	defer close(feed.done)
	for ev := range in {
		feed.add(ev)
		o.emit(ctx, monitorEvent(runID, ev))
	}
}

// drainMonitor copies buffered monitor events into the run log.
func (st *runState) drainMonitor() {
	if st.feed == nil {
		return
	}
	for _, ev := range st.feed.take() {
		entry := pipeline.LogEntry{Time: ev.Time, Level: "info", Stage: st.current}
		if ev.Kind == monitor.KindAlert {
			entry.Level = "warn"
			entry.Message = "monitor alert: " + ev.Message
		} else {
			entry.Message = fmt.Sprintf("monitor: disk %s, memory %s", mib(float64(ev.DiskBytes)), mib(float64(ev.MemoryBytes)))
		}
		st.run.Logs = append(st.run.Logs, entry)
	}
}

func monitorEvent(runID string, ev monitor.Event) events.Event {
	t := events.MonitorSnapshot
	if ev.Kind == monitor.KindAlert {
		t = events.MonitorAlert
	}
	values := map[string]float64{
		"disk_bytes":   float64(ev.DiskBytes),
		"memory_bytes": float64(ev.MemoryBytes),
	}
	keys := make([]string, 0, len(ev.Series))
	for k := range ev.Series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values["series."+k] = ev.Series[k]
	}
	return events.Event{
		Type:    t,
		RunID:   runID,
		Time:    ev.Time,
		Name:    ev.EnvironmentID,
		Status:  string(ev.Kind),
		Success: ev.Kind != monitor.KindAlert,
		Message: ev.Message,
		Values:  values,
	}
}

func mib(b float64) string {
	return fmt.Sprintf("%.1f MiB", b/(1<<20))
}

// teardown stops services, the monitor and the environment. It runs on a
// context detached from the run so an expired budget cannot prevent
// cleanup, and every step runs even when an earlier one fails.
func (o *Orchestrator) teardown(parent context.Context, st *runState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.opts.TeardownTimeout)
	defer cancel()
	ctx = logging.WithStage(ctx, string(pipeline.StageTeardown))
	ctx, span := tracer.Start(ctx, "stage.teardown")
	defer span.End()

	o.openStage(ctx, st, pipeline.StageTeardown)
	if !st.provisioned {
		o.closeStage(ctx, st, "", errSkipped{reason: "no environment provisioned"})
		return
	}

	var errs []error
	func() {
		defer func() {
			if p := recover(); p != nil {
				errs = append(errs, fmt.Errorf("panic during teardown: %v", p))
			}
		}()
		if err := o.setup.Teardown(ctx, st.env.ID); err != nil {
			errs = append(errs, fmt.Errorf("stopping services: %w", err))
		}
		if st.feed != nil {
			o.opts.Monitor.Stop()
			select {
			case <-st.feed.done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("waiting for monitor: %w", ctx.Err()))
			}
			st.drainMonitor()
		}
		if err := o.opts.Provisioner.Destroy(ctx, st.env.ID); err != nil {
			errs = append(errs, fmt.Errorf("destroying environment: %w", err))
		}
	}()
	o.opts.Registry.Release(st.env.ID)

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown failed")
		o.logger.Error(ctx, "teardown incomplete", zap.Error(err))
	}
	o.closeStage(ctx, st, fmt.Sprintf("environment %s released", st.env.ID), err)
}
