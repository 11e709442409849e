package coordinator

import (
	"time"

	"github.com/jason-s-yu/arena/internal/config"
)

// Policy tunes timing. None of it is part of the room protocol.
type Policy struct {
	// AutoStart starts the match once the start guard holds, without a
	// player pressing Start.
	AutoStart bool
	// AutoStartDelay is the pause between the guard holding and the start.
	// Zero or less starts inline.
	AutoStartDelay time.Duration
	// HeartbeatInterval is how often live sessions re-assert their
	// connection flag.
	HeartbeatInterval time.Duration
	// RetryDelay separates the two attempts of a destructive write.
	RetryDelay time.Duration
	// OpTimeout bounds background work such as delayed starts and refunds.
	OpTimeout time.Duration
	// ActivityInterval is the minimum gap between two recorded move or
	// heartbeat actions for the same room. These records keep a live room
	// off the idle list.
	ActivityInterval time.Duration
}

// DefaultPolicy mirrors the config defaults.
func DefaultPolicy() Policy {
	return Policy{
		AutoStart:         true,
		AutoStartDelay:    1500 * time.Millisecond,
		HeartbeatInterval: 60 * time.Second,
		RetryDelay:        250 * time.Millisecond,
		OpTimeout:         10 * time.Second,
		ActivityInterval:  time.Minute,
	}
}

// PolicyFromConfig builds a Policy from the room section of the config.
func PolicyFromConfig(c config.Room) Policy {
	p := DefaultPolicy()
	p.AutoStart = c.AutoStart
	p.AutoStartDelay = c.AutoStartDelay
	if c.HeartbeatInterval > 0 {
		p.HeartbeatInterval = c.HeartbeatInterval
	}
	if c.ActivityInterval > 0 {
		p.ActivityInterval = c.ActivityInterval
	}
	return p
}
