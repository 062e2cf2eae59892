// Package timer counts down time-bound assessments and fires an automatic
// submission when the allowed time runs out.
package timer

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a countdown.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateRunning    State = "RUNNING"
	StateExpired    State = "EXPIRED"
	// StateCancelled means the learner abandoned the attempt; nothing is submitted.
	StateCancelled State = "CANCELLED"
	// StateStopped means the attempt was submitted manually before expiry.
	StateStopped State = "STOPPED"
)

// Terminal reports whether the countdown can no longer change.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateCancelled || s == StateStopped
}

// DefaultTickInterval is the countdown resolution.
const DefaultTickInterval = time.Second

var (
	// ErrInvalidDuration indicates a non-positive time allowance.
	ErrInvalidDuration = errors.New("timer duration must be positive")
	// ErrAlreadyStarted indicates Start was called on a countdown that is not NOT_STARTED.
	ErrAlreadyStarted = errors.New("timer already started")
)

// Tick is published to subscribers on every tick and on the final transition.
type Tick struct {
	Remaining time.Duration `json:"-"`
	Seconds   int64         `json:"remaining_seconds"`
	State     State         `json:"state"`
}

// Config configures a Controller.
type Config struct {
	Duration     time.Duration
	TickInterval time.Duration
	// OnExpire runs once on the timer goroutine after the state became EXPIRED.
	// It must not wait on Done.
	OnExpire func()
	Clock    clockwork.Clock
	Logger   zerolog.Logger
}

// Controller is a single countdown. It is safe for concurrent use.
type Controller struct {
	clock    clockwork.Clock
	duration time.Duration
	interval time.Duration
	onExpire func()
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	deadline    time.Time
	frozen      time.Duration
	stop        chan struct{}
	done        chan struct{}
	subscribers map[int]chan Tick
	nextSubID   int
}

// New builds a controller in NOT_STARTED.
func New(cfg Config) (*Controller, error) {
	if cfg.Duration <= 0 {
		return nil, ErrInvalidDuration
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Controller{
		clock:       clock,
		duration:    cfg.Duration,
		interval:    interval,
		onExpire:    cfg.OnExpire,
		logger:      cfg.Logger,
		state:       StateNotStarted,
		frozen:      cfg.Duration,
		done:        make(chan struct{}),
		subscribers: make(map[int]chan Tick),
	}, nil
}

// Start moves the countdown to RUNNING and schedules its ticker.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNotStarted {
		return ErrAlreadyStarted
	}

	c.state = StateRunning
	c.deadline = c.clock.Now().Add(c.duration)
	c.stop = make(chan struct{})
	ticker := c.clock.NewTicker(c.interval)
	go c.run(ticker, c.stop)

	c.logger.Debug().Dur("duration", c.duration).Msg("countdown started")
	return nil
}

// Cancel abandons the countdown. It releases the ticker and never triggers a
// submission. It reports whether the countdown was still live.
func (c *Controller) Cancel() bool {
	return c.finish(StateCancelled)
}

// Stop ends the countdown because the attempt was submitted by hand.
func (c *Controller) Stop() bool {
	return c.finish(StateStopped)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remaining returns the time left. It is derived from the deadline, so a late
// or dropped tick never extends the allowance.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

// Done is closed once the countdown reached a terminal state and, for
// expiry, after OnExpire returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Subscribe returns a channel receiving ticks and a function to unsubscribe.
// Slow subscribers miss ticks instead of blocking the countdown. The channel
// is closed once the countdown is terminal.
func (c *Controller) Subscribe(buffer int) (<-chan Tick, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Tick, buffer)

	c.mu.Lock()
	defer c.mu.Unlock()

	ch <- c.snapshotLocked()
	if c.state.Terminal() {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(sub)
			}
		})
	}
}

func (c *Controller) run(ticker clockwork.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if c.tick() {
				return
			}
		}
	}
}

// tick publishes the remaining time and reports whether the loop should exit.
func (c *Controller) tick() bool {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return true
	}

	if c.remainingLocked() > 0 {
		c.broadcastLocked(c.snapshotLocked())
		c.mu.Unlock()
		return false
	}

	c.state = StateExpired
	c.frozen = 0
	c.broadcastLocked(c.snapshotLocked())
	c.closeSubscribersLocked()
	c.mu.Unlock()

	c.logger.Info().Msg("countdown expired")
	if c.onExpire != nil {
		c.onExpire()
	}
	close(c.done)
	return true
}

func (c *Controller) finish(state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateNotStarted:
		c.state = state
		close(c.done)
	case StateRunning:
		c.frozen = c.remainingLocked()
		c.state = state
		close(c.stop)
		close(c.done)
	default:
		return false
	}

	c.broadcastLocked(c.snapshotLocked())
	c.closeSubscribersLocked()
	c.logger.Debug().Str("state", string(state)).Msg("countdown ended")
	return true
}

func (c *Controller) remainingLocked() time.Duration {
	if c.state != StateRunning {
		return c.frozen
	}
	remaining := c.deadline.Sub(c.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Controller) snapshotLocked() Tick {
	remaining := c.remainingLocked()
	return Tick{
		Remaining: remaining,
		Seconds:   int64((remaining + time.Second - 1) / time.Second),
		State:     c.state,
	}
}

func (c *Controller) broadcastLocked(tick Tick) {
	for _, ch := range c.subscribers {
		select {
		case ch <- tick:
		default:
		}
	}
}

func (c *Controller) closeSubscribersLocked() {
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
}
