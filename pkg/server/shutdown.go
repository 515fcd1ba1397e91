package server

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	applogger "GtfsRtFeed/pkg/logger"
)

// Shutdown turns termination signals into one graceful stop. The first
// signal starts stop and arms a timer that forces exit code 1 after delay;
// a second signal forces exit code 1 at once.
type Shutdown struct {
	log   *applogger.Logger
	stop  func(ctx context.Context) error
	delay time.Duration
	exit  func(code int)

	mu      sync.Mutex
	signals int
	timer   *time.Timer
	done    chan struct{}
	sigCh   chan os.Signal
}

// ShutdownOption configures Shutdown.
type ShutdownOption func(*Shutdown)

// WithExitFunc replaces os.Exit. Used by tests.
func WithExitFunc(fn func(code int)) ShutdownOption {
	return func(s *Shutdown) {
		s.exit = fn
	}
}

// NewShutdown creates a coordinator that calls stop once.
func NewShutdown(l *applogger.Logger, stop func(ctx context.Context) error, delay time.Duration, opts ...ShutdownOption) *Shutdown {
	if l == nil {
		l = applogger.Nop()
	}
	s := &Shutdown{
		log:   l.Named("app"),
		stop:  stop,
		delay: delay,
		exit:  os.Exit,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen installs SIGINT and SIGTERM handlers until ctx is done.
func (s *Shutdown) Listen(ctx context.Context) {
	s.sigCh = make(chan os.Signal, 2)
	signal.Notify(s.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(s.sigCh)
		for {
			select {
			case sig := <-s.sigCh:
				s.Signal(sig)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Signal handles one termination signal.
func (s *Shutdown) Signal(sig os.Signal) {
	s.mu.Lock()
	s.signals++
	n := s.signals
	s.mu.Unlock()

	if n > 1 {
		s.log.Warn("second signal received, exiting immediately", applogger.String("signal", sig.String()))
		s.exit(1)
		return
	}

	s.log.Info("shutdown signal received", applogger.String("signal", sig.String()))
	s.mu.Lock()
	s.timer = time.AfterFunc(s.delay, func() {
		s.log.Error("graceful shutdown timed out, forcing exit", applogger.Duration("after", s.delay))
		s.exit(1)
	})
	s.mu.Unlock()

	go s.run()
}

func (s *Shutdown) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.delay)
	defer cancel()

	if err := s.stop(ctx); err != nil {
		s.log.Warn("graceful stop returned error", applogger.Error(err))
	}

	s.mu.Lock()
	s.timer.Stop()
	s.mu.Unlock()
	close(s.done)
}

// Done is closed once the stop routine has returned.
func (s *Shutdown) Done() <-chan struct{} {
	return s.done
}
