package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Monitor-mode pacing defaults.
const (
	defaultPollInterval  = 5 * time.Minute
	defaultDebounceDelay = 5 * time.Second
)

// MonitorOpts configures the daemon loop.
type MonitorOpts struct {
	// PollInterval is the full-cycle cadence when no filesystem or push
	// event arrives earlier.
	PollInterval time.Duration

	// RunOpts apply to every cycle the monitor starts.
	RunOpts RunOpts

	// Mode applies to every cycle.
	Mode SyncMode

	// Notifier, when non-nil, delivers remote-change wakeups (the
	// websocket subscription); the monitor also works without one.
	Notifier ChangeNotifier
}

// ChangeNotifier delivers remote change wakeups. Satisfied by the websocket
// subscription client; a nil notifier falls back to interval polling only.
type ChangeNotifier interface {
	// Changes returns a channel that receives a signal whenever the
	// remote advertises new changes. The channel closes on ctx cancel.
	Changes(ctx context.Context) (<-chan struct{}, error)
}

// Orchestrator drives one engine's repeated cycles in monitor mode:
// filesystem events (debounced), remote change notifications, and a poll
// interval all trigger cycles; consecutive failures back off.
type Orchestrator struct {
	engine   *Engine
	syncRoot string
	logger   *slog.Logger
}

// NewOrchestrator wraps an engine for monitor mode.
func NewOrchestrator(engine *Engine, syncRoot string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		syncRoot: syncRoot,
		logger:   logger,
	}
}

// Backoff ladder for consecutive cycle failures: no backoff below the
// threshold, then 1m → 5m → 15m → 1h.
const backoffThreshold = 3

var backoffSteps = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
}

// failureBackoff maps a consecutive-failure count to the extra delay before
// the next attempt.
func failureBackoff(consecutive int) time.Duration {
	if consecutive < backoffThreshold {
		return 0
	}

	idx := consecutive - backoffThreshold
	if idx >= len(backoffSteps) {
		idx = len(backoffSteps) - 1
	}

	return backoffSteps[idx]
}

// Run loops sync cycles until ctx is cancelled. The first cycle starts
// immediately.
func (o *Orchestrator) Run(ctx context.Context, opts MonitorOpts) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	watcher, events, err := o.startWatcher(ctx)
	if err != nil {
		o.logger.Warn("filesystem watcher unavailable, falling back to interval polling",
			"error", err.Error())
	}

	if watcher != nil {
		defer watcher.Close()
	}

	var pushCh <-chan struct{}

	if opts.Notifier != nil {
		pushCh, err = opts.Notifier.Changes(ctx)
		if err != nil {
			o.logger.Warn("change notifications unavailable, polling only", "error", err.Error())
			pushCh = nil
		}
	}

	consecutiveFailures := 0

	for {
		report, runErr := o.engine.RunOnce(ctx, opts.Mode, opts.RunOpts)

		switch {
		case runErr == nil && (report == nil || !report.SyncFailures):
			consecutiveFailures = 0
		case errors.Is(runErr, context.Canceled):
			return nil
		default:
			consecutiveFailures++

			if runErr != nil {
				o.logger.Error("sync cycle failed",
					slog.Int("consecutive_failures", consecutiveFailures),
					slog.String("error", runErr.Error()),
				)
			}

			// A blocked big delete never resolves on its own; stop
			// instead of retrying it forever.
			if errors.Is(runErr, ErrBigDeleteBlocked) || errors.Is(runErr, ErrStateInconsistent) {
				return runErr
			}
		}

		if backoff := failureBackoff(consecutiveFailures); backoff > 0 {
			o.logger.Warn("backing off after repeated failures",
				slog.Duration("backoff", backoff))

			if err := sleepCtx(ctx, backoff); err != nil {
				return nil //nolint:nilerr // cancellation is a clean monitor exit
			}
		}

		if err := o.waitForTrigger(ctx, opts.PollInterval, events, pushCh); err != nil {
			return nil //nolint:nilerr // cancellation is a clean monitor exit
		}
	}
}

// waitForTrigger blocks until the poll interval elapses, a debounced
// filesystem event arrives, or a remote change notification fires.
func (o *Orchestrator) waitForTrigger(
	ctx context.Context, interval time.Duration,
	events <-chan fsnotify.Event, pushCh <-chan struct{},
) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-timer.C:
		return nil

	case ev, ok := <-events:
		if !ok {
			// Watcher died; wait out the timer instead.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}

		o.logger.Debug("filesystem event", slog.String("path", ev.Name))

		return o.debounce(ctx, events)

	case _, ok := <-pushCh:
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}

		o.logger.Debug("remote change notification received")

		return nil
	}
}

// debounce drains filesystem events until they quiet down, so one save
// burst becomes one cycle.
func (o *Orchestrator) debounce(ctx context.Context, events <-chan fsnotify.Event) error {
	timer := time.NewTimer(defaultDebounceDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-events:
			if !timer.Stop() {
				<-timer.C
			}

			timer.Reset(defaultDebounceDelay)
		}
	}
}

// startWatcher registers a recursive fsnotify watch over the sync root.
func (o *Orchestrator) startWatcher(ctx context.Context) (*fsnotify.Watcher, <-chan fsnotify.Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(o.syncRoot); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("watch %s: %w", o.syncRoot, err)
	}

	out := make(chan fsnotify.Event)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}

			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				o.logger.Warn("watcher error", "error", werr.Error())
			}
		}
	}()

	return watcher, out, nil
}
