package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	timeout        time.Duration
	done           chan struct{}
}

var cleanerInstance = newCleaner()

func newCleaner() *Cleaner {
	return &Cleaner{timeout: 10 * time.Second, done: make(chan struct{})}
}

func NewCleaner() *Cleaner {
	return cleanerInstance
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init installs the signal watcher. On SIGINT or SIGTERM the cleaners run and
// the process exits.
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		c.mu.Lock()
		c.loggerShutdown = loggerShutdown
		c.mu.Unlock()

		go func() {
			select {
			case <-ctx.Done():
			case <-c.done:
				stop()
				return
			}
			stop()
			logger.Info("Received interrupt signal, shutting down")
			c.Clean()
			syscall.Exit(0)
		}()
	})
}

// Done is closed once every cleaner has run.
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}

// Clean runs the registered cleaners in reverse order of registration, then
// the logger shutdown. Only the first call does any work.
func (c *Cleaner) Clean() {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true // 标记为清理中，阻止后续Add操作
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		loggerShutdown := c.loggerShutdown
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			func(idx int, callable Callable) { // 使用匿名函数确保defer在每次迭代执行
				logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
				timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), c.timeout)
				defer cancelFunc()
				if err := callable.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
					errs = append(errs, err)
				}
			}(i, cleanersCopy[i])
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup:", len(errs))
			for i, err := range errs {
				logger.ErrorF("Error %d: %v", i+1, err)
			}
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := loggerShutdown.Invoke(shutdownCtx); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}
		close(c.done)
	})
}
