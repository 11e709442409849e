package room

import (
	"sync"
	"time"
)

// TimerState is what the countdown reports on every change.
type TimerState struct {
	Running  bool      `json:"running"`
	Deadline time.Time `json:"deadline,omitempty"`
	Expired  bool      `json:"expired,omitempty"`
	// Reason is set when the countdown stops: "all_ready", "not_enough_players" or "expired".
	Reason string `json:"reason,omitempty"`
}

// Countdown is the advisory readiness timer. It never changes room status;
// it only reports its own state through onChange.
type Countdown struct {
	mu       sync.Mutex
	window   time.Duration
	timer    *time.Timer
	deadline time.Time
	onChange func(TimerState)
	now      func() time.Time
}

// NewCountdown builds a stopped countdown. onChange runs outside the lock
// and may be called from the timer goroutine.
func NewCountdown(window time.Duration, onChange func(TimerState)) *Countdown {
	if onChange == nil {
		onChange = func(TimerState) {}
	}
	return &Countdown{window: window, onChange: onChange, now: time.Now}
}

// Evaluate starts or cancels the countdown from current counts. It starts
// once at least one of two or more connected players is ready, and cancels
// when everyone is ready or the start condition no longer holds.
func (c *Countdown) Evaluate(connected, ready int) {
	shouldRun := connected >= MinPlayers && ready >= 1 && ready < connected

	c.mu.Lock()
	running := c.timer != nil
	var st *TimerState
	switch {
	case shouldRun && !running && c.window > 0:
		c.deadline = c.now().Add(c.window)
		var timer *time.Timer
		timer = time.AfterFunc(c.window, func() { c.expire(timer) })
		c.timer = timer
		st = &TimerState{Running: true, Deadline: c.deadline}
	case !shouldRun && running:
		c.timer.Stop()
		c.timer = nil
		reason := "not_enough_players"
		if connected >= MinPlayers && ready == connected {
			reason = "all_ready"
		}
		st = &TimerState{Reason: reason}
	}
	c.mu.Unlock()

	if st != nil {
		c.onChange(*st)
	}
}

func (c *Countdown) expire(timer *time.Timer) {
	c.mu.Lock()
	if c.timer != timer {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.onChange(TimerState{Expired: true, Reason: "expired"})
}

// State returns the current state without side effects.
func (c *Countdown) State() TimerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return TimerState{}
	}
	return TimerState{Running: true, Deadline: c.deadline}
}

// Stop cancels the timer without reporting.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
