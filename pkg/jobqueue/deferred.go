package jobqueue

import (
	"context"
	"errors"
	"sync"
)

var errNilRejection = errors.New("jobqueue: rejected with nil error")

// Deferred is a future that is settled from the outside.
//
// It resolves or rejects exactly once; later Resolve/Reject calls are ignored.
// Any number of goroutines may Wait on it, before or after settlement.
type Deferred struct {
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve settles the future with v. It reports whether this call settled it.
func (d *Deferred) Resolve(v any) bool {
	return d.settle(v, nil)
}

// Reject settles the future with err. A nil err is replaced by a generic error
// so that a rejected future never looks successful.
func (d *Deferred) Reject(err error) bool {
	if err == nil {
		err = errNilRejection
	}
	return d.settle(nil, err)
}

func (d *Deferred) settle(v any, err error) bool {
	settled := false
	d.once.Do(func() {
		d.val, d.err = v, err
		close(d.done)
		settled = true
	})
	return settled
}

// Done is closed once the future is settled.
func (d *Deferred) Done() <-chan struct{} { return d.done }

func (d *Deferred) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done.
func (d *Deferred) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-d.done:
		return d.val, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
