// Package worker implements the per-process accept-dispatch loop.
//
// A Worker owns one reference to the shared listening socket and an
// admission.Counter. On every iteration it either accepts a connection and
// hands it to the Handler on a new goroutine, or, when more than
// MaxConnections handlers are in flight, sleeps for SleepTimer before
// checking again. Nothing is shared with other worker processes except the
// socket itself.
package worker
