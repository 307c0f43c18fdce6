// Package monitor samples the resources of a running environment and raises
// alerts when they cross configured limits.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/config"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

const (
	defaultInterval = 5 * time.Second
	eventBuffer     = 16
)

// Kind distinguishes periodic snapshots from alerts.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindAlert    Kind = "alert"
)

// Event is one observation of an environment.
type Event struct {
	Kind          Kind               `json:"kind"`
	EnvironmentID string             `json:"environment_id"`
	Time          time.Time          `json:"time"`
	DiskBytes     int64              `json:"disk_bytes"`
	MemoryBytes   uint64             `json:"memory_bytes"`
	Series        map[string]float64 `json:"series,omitempty"`
	Message       string             `json:"message,omitempty"`
}

// Monitor watches one environment at a time. The event channel is closed
// after Stop returns.
type Monitor interface {
	Start(ctx context.Context, envID string) (<-chan Event, error)
	Stop()
}

// Options configures a Sampler. Zero limits disable the matching alert.
type Options struct {
	Interval         time.Duration
	DiskLimitBytes   int64
	MemoryLimitBytes uint64
	PrometheusURL    string
	// Queries maps a series name to a PromQL expression evaluated on every
	// sample.
	Queries map[string]string
	Logger  *logging.Logger
}

// OptionsFromConfig converts the monitor configuration section.
func OptionsFromConfig(cfg config.MonitorConfig) Options {
	return Options{
		Interval:         cfg.Interval.Duration(),
		DiskLimitBytes:   cfg.DiskLimitMB << 20,
		MemoryLimitBytes: uint64(max(cfg.MemoryLimitMB, 0)) << 20,
		PrometheusURL:    cfg.PrometheusURL,
		Queries:          cfg.Queries,
	}
}

// Sampler measures the workspace size on disk and the memory held by this
// process, plus any configured Prometheus series.
type Sampler struct {
	registry *shell.Registry
	opts     Options
	query    *QueryClient
	logger   *logging.Logger
	memory   func() uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Monitor = (*Sampler)(nil)

// NewSampler creates a Sampler over the environments in registry.
func NewSampler(registry *shell.Registry, opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Sampler{
		registry: registry,
		opts:     opts,
		logger:   logger.Named("monitor"),
		memory:   processMemory,
	}
	if opts.PrometheusURL != "" && len(opts.Queries) > 0 {
		s.query = NewQueryClient(opts.PrometheusURL)
	}
	return s
}

// Start begins sampling envID. The first sample is taken immediately.
func (s *Sampler) Start(ctx context.Context, envID string) (<-chan Event, error) {
	env, ok := s.registry.Lookup(envID)
	if !ok {
		return nil, &pipeline.CollaboratorError{Collaborator: "monitor", Op: "start", Err: fmt.Errorf("unknown environment %q", envID)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, &pipeline.CollaboratorError{Collaborator: "monitor", Op: "start", Err: errors.New("already monitoring")}
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event, eventBuffer)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go s.loop(ctx, env, events, done)
	s.logger.Debug(ctx, "monitor started", zap.String("environment_id", envID), zap.Duration("interval", s.opts.Interval))
	return events, nil
}

// Stop ends sampling and waits for the event channel to close. It is safe
// to call more than once.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sampler) loop(ctx context.Context, env shell.Environment, events chan<- Event, done chan<- struct{}) {
	defer close(done)
	defer close(events)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	var diskAlerted, memAlerted bool
	for {
		snap := s.sample(ctx, env)
		if !send(ctx, events, snap) {
			return
		}

		overDisk := s.opts.DiskLimitBytes > 0 && snap.DiskBytes > s.opts.DiskLimitBytes
		if overDisk && !diskAlerted {
			msg := fmt.Sprintf("workspace uses %d MB, limit %d MB", snap.DiskBytes>>20, s.opts.DiskLimitBytes>>20)
			if !send(ctx, events, s.alert(ctx, snap, msg)) {
				return
			}
		}
		diskAlerted = overDisk

		overMem := s.opts.MemoryLimitBytes > 0 && snap.MemoryBytes > s.opts.MemoryLimitBytes
		if overMem && !memAlerted {
			msg := fmt.Sprintf("memory at %d MB, limit %d MB", snap.MemoryBytes>>20, s.opts.MemoryLimitBytes>>20)
			if !send(ctx, events, s.alert(ctx, snap, msg)) {
				return
			}
		}
		memAlerted = overMem

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) sample(ctx context.Context, env shell.Environment) Event {
	ev := Event{
		Kind:          KindSnapshot,
		EnvironmentID: env.ID,
		Time:          time.Now(),
		MemoryBytes:   s.memory(),
	}
	size, err := diskUsage(env.Root)
	if err != nil {
		s.logger.Debug(ctx, "disk usage unavailable", zap.String("root", env.Root), zap.Error(err))
	}
	ev.DiskBytes = size

	if s.query != nil {
		names := make([]string, 0, len(s.opts.Queries))
		for name := range s.opts.Queries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, err := s.query.Value(ctx, s.opts.Queries[name])
			if err != nil {
				s.logger.Debug(ctx, "series query failed", zap.String("series", name), zap.Error(err))
				continue
			}
			if ev.Series == nil {
				ev.Series = make(map[string]float64, len(names))
			}
			ev.Series[name] = v
		}
	}
	return ev
}

func (s *Sampler) alert(ctx context.Context, snap Event, msg string) Event {
	s.logger.Warn(ctx, "resource limit exceeded",
		zap.String("environment_id", snap.EnvironmentID),
		zap.String("detail", msg),
	)
	snap.Kind = KindAlert
	snap.Message = msg
	return snap
}

func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// diskUsage sums regular file sizes under root. Files that vanish during the
// walk are ignored.
func diskUsage(root string) (int64, error) {
	if root == "" {
		return 0, errors.New("environment has no root")
	}
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func processMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}
