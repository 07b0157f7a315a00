package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/comfygen/comfygen/client"
	"github.com/comfygen/comfygen/metrics"
)

// DefaultStatusTimeout bounds a single status delivery
const DefaultStatusTimeout = 2 * time.Second

var errSinkBusy = errors.New("previous status delivery still running")

// StatusSink receives human-readable status text for one request.  Delivery
// is best effort: an error, a panic or a call outliving its timeout is counted
// and otherwise ignored.
type StatusSink func(ctx context.Context, status string) error

// Relay forwards monitor progress to a StatusSink
type Relay struct {
	sink      StatusSink
	timeout   time.Duration
	log       logrus.FieldLogger
	metrics   *metrics.Registry
	delivered atomic.Int64
	dropped   atomic.Int64
	// holds a token while a sink call runs; a call that overran its timeout
	// keeps it until it returns
	busy chan struct{}
}

// NewRelay creates a relay; timeout bounds each sink call and defaults to
// DefaultStatusTimeout when not positive.
func NewRelay(sink StatusSink, timeout time.Duration, log logrus.FieldLogger, reg *metrics.Registry) *Relay {
	if timeout <= 0 {
		timeout = DefaultStatusTimeout
	}
	return &Relay{
		sink:    sink,
		timeout: timeout,
		log:     log,
		metrics: reg,
		busy:    make(chan struct{}, 1),
	}
}

// Run delivers every labelled event until events is closed.  Events are
// delivered in the order they are received.  Once ctx is done the remaining
// events are drained and counted as dropped.
func (r *Relay) Run(ctx context.Context, events <-chan client.Progress) {
	for p := range events {
		if p.Label == "" || r.sink == nil {
			continue
		}
		if err := r.deliver(ctx, p.Label); err != nil {
			r.dropped.Add(1)
			r.metrics.RecordDelivery(false)
			r.log.WithError(err).WithField("status", p.Label).Debug("status delivery failed")
			continue
		}
		r.delivered.Add(1)
		r.metrics.RecordDelivery(true)
	}
}

// deliver calls the sink in its own goroutine and waits at most r.timeout.  A
// sink that ignores its context is abandoned; while it is still running later
// statuses wait up to r.timeout for it and are dropped.
func (r *Relay) deliver(ctx context.Context, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case r.busy <- struct{}{}:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errSinkBusy
	}

	done := make(chan error, 1)
	go func() {
		err := r.call(callCtx, status)
		// release before reporting so the next delivery finds the sink free
		<-r.busy
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return callCtx.Err()
	}
}

func (r *Relay) call(ctx context.Context, status string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("status sink panicked: %v", rec)
		}
	}()
	return r.sink(ctx, status)
}

// Delivered is the number of statuses the sink accepted
func (r *Relay) Delivered() int64 {
	return r.delivered.Load()
}

// Dropped is the number of statuses the sink failed to take
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}
