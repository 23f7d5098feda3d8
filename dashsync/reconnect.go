package dashsync

import (
	"context"
	mathrand "math/rand"
	"os"
	"os/signal"
	"time"
)

// Reconnect paces retry attempts for one outage.
// Create one per outage and discard it once a connection is established.
type Reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration
	attempt    int
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return NewReconnectWithMax(timeout, 16*timeout)
}

func NewReconnectWithMax(timeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout: timeout,
		maxTimeout: maxTimeout,
	}
}

// After returns a channel that fires once the current backoff elapses.
// The delay doubles per call up to the max, with jitter so that a fleet
// of clients does not retry in lockstep.
func (self *Reconnect) After() <-chan time.Time {
	timeout := self.minTimeout << self.attempt
	if timeout < self.minTimeout || self.maxTimeout < timeout {
		timeout = self.maxTimeout
	} else {
		self.attempt += 1
	}
	if jitterRange := int64(timeout) / 4; 0 < jitterRange {
		timeout += time.Duration(mathrand.Int63n(jitterRange))
	}
	return time.After(timeout)
}

// Event adapts os signals and parent cancellation into a single context.
// Commands block on Ctx().Done() for shutdown.
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Cancel() {
	self.cancel()
}

func (self *Event) SetOnSignals(signalValues ...os.Signal) {
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, signalValues...)
	go func() {
		defer signal.Stop(stopSignal)
		select {
		case <-stopSignal:
			self.cancel()
		case <-self.ctx.Done():
		}
	}()
}
