package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vinayprograms/completionkit/logging"
)

// Coordinator runs registered handlers in phase order, once.
type Coordinator struct {
	config Config
	log    *logrus.Entry

	mu       sync.Mutex
	handlers []registration

	once    sync.Once
	done    chan struct{}
	result  *Result
	signals chan os.Signal
}

// New creates a Coordinator.
func New(cfg Config, log *logrus.Entry) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Coordinator{
		config:  cfg,
		log:     logging.Component(log, "shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to a phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function to a phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// Shutdown runs every phase. Only the first call does work; later calls
// wait for it and return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ran := false
	c.once.Do(func() {
		ran = true
		c.result = c.run(ctx)
		close(c.done)
	})
	if !ran {
		<-c.done
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by d, or by the configured
// timeout when d is zero.
func (c *Coordinator) ShutdownWithTimeout(d time.Duration) error {
	if d <= 0 {
		d = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals blocks until SIGTERM or SIGINT arrives, then shuts down
// with the configured timeout. It returns early without shutting down if
// ctx ends first.
func (c *Coordinator) HandleSignals(ctx context.Context) {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(c.signals)

	select {
	case sig := <-c.signals:
		c.log.WithField("signal", sig.String()).Info("shutdown requested")
		if err := c.ShutdownWithTimeout(0); err != nil && err != ErrAlreadyShutdown {
			c.log.WithError(err).Warn("shutdown incomplete")
		}
	case <-ctx.Done():
	case <-c.done:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result is the shutdown summary, nil until Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	res := &Result{}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			res.Err = ErrTimeout
			break
		}
		results := c.runPhase(ctx, group)
		res.Handlers = append(res.Handlers, results...)

		failed := false
		for _, hr := range results {
			if hr.Err != nil {
				failed = true
			}
		}
		if failed && res.Err == nil {
			res.Err = ErrHandlerFailed
		}
		if failed && c.config.StopOnError {
			break
		}
	}
	res.Duration = time.Since(start)

	entry := c.log.WithField("duration", res.Duration.String())
	if res.Err != nil {
		entry.WithError(res.Err).WithField("failed", res.FailedHandlers()).Warn("shutdown finished with errors")
	} else {
		entry.Info("shutdown complete")
	}
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[i] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			entry := c.log.WithField("handler", r.name).WithField("phase", r.phase)
			if err != nil {
				entry.WithError(err).Warn("handler failed")
			} else {
				entry.Debug("handler stopped")
			}
		}()
	}
	wg.Wait()
	return results
}

// groupByPhase splits handlers, already sorted by phase, into runs of equal
// phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
