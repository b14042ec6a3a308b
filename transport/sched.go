package transport

import "time"

// Scheduler is the minimal concurrency capability the connection pump
// needs: spawn a task and sleep until a deadline. The pump logic never
// assumes a specific runtime; hosts with their own task systems can
// inject an adapter here.
type Scheduler interface {
	// Go runs f concurrently with the caller.
	Go(f func())
	// After returns a channel that delivers once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// GoScheduler runs tasks as plain goroutines with standard timers. It is
// the default when no scheduler is injected.
type GoScheduler struct{}

func (GoScheduler) Go(f func()) { go f() }

func (GoScheduler) After(d time.Duration) <-chan time.Time { return time.After(d) }
