package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"GtfsRtFeed/pkg/bus"
	applogger "GtfsRtFeed/pkg/logger"
)

// State is the lifecycle position of an App. It only moves forward.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateSubscribed
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Listener is an HTTP server that binds in Start.
type Listener interface {
	Start() error
	Stop(ctx context.Context) error
	Addr() string
}

// Listeners groups the HTTP servers an App runs. Metrics may be nil.
type Listeners struct {
	Feed    Listener
	Metrics Listener
}

// Snapshotter publishes snapshots in the background.
type Snapshotter interface {
	Start(ctx context.Context) error
	Stop()
}

// Janitor expires aggregated state in the background.
type Janitor interface {
	Start()
	Stop()
}

// App encapsulates the entire application lifecycle.
type App struct {
	log       *applogger.Logger
	source    bus.Source
	handler   bus.Handler
	cache     Snapshotter
	janitor   Janitor
	listeners Listeners

	state    atomic.Int32
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// New creates a new App instance with all dependencies.
func New(
	l *applogger.Logger,
	source bus.Source,
	handler bus.Handler,
	cache Snapshotter,
	janitor Janitor,
	listeners Listeners,
) *App {
	if l == nil {
		l = applogger.Nop()
	}
	return &App{
		log:       l.Named("app"),
		source:    source,
		handler:   handler,
		cache:     cache,
		janitor:   janitor,
		listeners: listeners,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (a *App) State() State {
	return State(a.state.Load())
}

func (a *App) advance(s State) {
	for {
		cur := a.state.Load()
		if State(cur) >= s {
			return
		}
		if a.state.CompareAndSwap(cur, int32(s)) {
			a.log.Debug("lifecycle state changed", applogger.String("state", s.String()))
			return
		}
	}
}

// Run starts every component in order and blocks until Stop completes or
// consumption fails. It returns nil after a clean stop, including a stop that
// lands while components are still starting.
func (a *App) Run(ctx context.Context) error {
	if a.janitor != nil {
		a.janitor.Start()
	}
	if err := a.cache.Start(ctx); err != nil {
		return a.abort(fmt.Errorf("start snapshot cache: %w", err))
	}
	if a.halted() {
		return nil
	}

	if err := a.source.Open(ctx); err != nil {
		return a.abort(fmt.Errorf("connect to bus: %w", err))
	}
	if a.halted() {
		return nil
	}
	a.advance(StateConnected)

	if err := a.source.Subscribe(ctx); err != nil {
		return a.abort(fmt.Errorf("provision durable consumer: %w", err))
	}
	if a.halted() {
		return nil
	}
	a.advance(StateSubscribed)

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- a.source.Consume(ctx, a.handler)
	}()

	if a.listeners.Metrics != nil {
		if err := a.listeners.Metrics.Start(); err != nil {
			a.log.Error("metrics listener failed, continuing without it", applogger.Error(err))
		}
		if a.halted() {
			return nil
		}
	}

	if err := a.listeners.Feed.Start(); err != nil {
		return a.abort(fmt.Errorf("start feed listener: %w", err))
	}
	if a.halted() {
		return nil
	}
	a.advance(StateListening)
	a.log.Info("serving feed", applogger.String("addr", a.listeners.Feed.Addr()))

	select {
	case err := <-consumeErr:
		if a.halted() {
			return nil
		}
		if err == nil {
			err = errors.New("consumer stopped unexpectedly")
		}
		a.log.Error("consuming trip updates failed", applogger.Error(err))
		return a.abort(fmt.Errorf("consume trip updates: %w", err))
	case <-a.done:
		return nil
	case <-ctx.Done():
		_ = a.Stop(context.Background())
		return nil
	}
}

// halted reports whether Stop has begun, waiting for it to finish.
func (a *App) halted() bool {
	if a.State() != StateStopping {
		return false
	}
	<-a.done
	return true
}

func (a *App) abort(err error) error {
	if a.halted() {
		return nil
	}
	if stopErr := a.Stop(context.Background()); stopErr != nil {
		a.log.Warn("cleanup after failure", applogger.Error(stopErr))
	}
	return err
}

// Stop stops consuming, closes the bus connection, stops snapshot
// regeneration and closes both listeners. It runs once; later calls wait
// for the first and return its result.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.advance(StateStopping)
		a.log.Info("shutting down...")

		var errs []error
		if err := a.source.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
		a.cache.Stop()
		if a.janitor != nil {
			a.janitor.Stop()
		}
		if err := a.listeners.Feed.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop feed listener: %w", err))
		}
		if a.listeners.Metrics != nil {
			if err := a.listeners.Metrics.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop metrics listener: %w", err))
			}
		}

		a.stopErr = errors.Join(errs...)
		if a.stopErr != nil {
			a.log.Warn("shutdown finished with errors", applogger.Error(a.stopErr))
		} else {
			a.log.Info("shutdown complete")
		}
		close(a.done)
	})
	<-a.done
	return a.stopErr
}
