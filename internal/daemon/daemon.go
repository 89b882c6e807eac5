// Package daemon drives the sync engine in a loop: push local changes,
// pull the remote feed, sleep, repeat, until cancelled.
//
// Shutdown is cooperative. Cancellation is observed between cycles and
// during sleeps, never in the middle of a push or pull call, so no record
// is ever half-submitted because of a signal.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// State of the daemon lifecycle.
type State int32

const (
	Starting State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Cycler is the engine surface the daemon drives, one cycle at a time.
type Cycler interface {
	PushPending(ctx context.Context) (submitted, failed int, err error)
	PullFeed(ctx context.Context) (fetched int, err error)
}

// Config holds daemon settings.
type Config struct {
	// PollInterval is slept after a cycle that found new feed items.
	PollInterval time.Duration

	// IdleInterval is slept after a cycle that pulled nothing new.
	IdleInterval time.Duration

	// PidFile guards against a second daemon instance.
	PidFile string

	// Logger for cycle activity.
	Logger *log.Logger
}

// DefaultConfig returns the standard cadence: poll every second, back off
// to five seconds when the feed is idle.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: time.Second,
		IdleInterval: 5 * time.Second,
		PidFile:      "dz.pid",
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs the push/pull loop until its context is cancelled.
type Daemon struct {
	engine Cycler
	config *Config
	state  atomic.Int32
	pid    *PidFile
}

// New creates a Daemon driving the given engine.
func New(engine Cycler, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = 5 * time.Second
	}

	d := &Daemon{engine: engine, config: config}
	d.state.Store(int32(Starting))
	return d, nil
}

// State reports the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Run acquires the single-instance guard and loops until ctx is cancelled.
//
// Failure to acquire the guard is fatal and returned to the caller. A
// cancelled context is a clean shutdown: the in-flight cycle finishes, the
// guard is released and Run returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	pid, err := AcquirePidFile(d.config.PidFile)
	if err != nil {
		return fmt.Errorf("acquire pidfile: %w", err)
	}
	d.pid = pid

	d.state.Store(int32(Running))
	d.config.Logger.Printf("Daemon started pid=%d", os.Getpid())

	for {
		select {
		case <-ctx.Done():
			return d.stop()
		default:
		}

		if _, _, err := d.engine.PushPending(ctx); err != nil {
			d.config.Logger.Printf("push: %v", err)
		}

		fetched, err := d.engine.PullFeed(ctx)
		if err != nil {
			d.config.Logger.Printf("pull: %v", err)
		}

		interval := d.config.PollInterval
		if err == nil && fetched == 0 {
			interval = d.config.IdleInterval
		}
		if !sleep(ctx, interval) {
			return d.stop()
		}
	}
}

// stop releases the instance guard and settles in the terminal state.
// Shutdown on a cancellation signal is a clean exit, so release errors are
// logged rather than returned.
func (d *Daemon) stop() error {
	d.state.Store(int32(Stopping))
	d.config.Logger.Println("Stopping daemon")

	if d.pid != nil {
		if err := d.pid.Release(); err != nil {
			d.config.Logger.Printf("Error removing pidfile: %v", err)
		} else {
			d.config.Logger.Println("Remove pidfile")
		}
		d.pid = nil
	}

	d.state.Store(int32(Stopped))
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// sleep waits for the interval unless ctx is cancelled first. Returns false
// on cancellation.
func sleep(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
