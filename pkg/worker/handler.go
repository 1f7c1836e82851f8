package worker

import (
	"context"
	"net"
)

// Handler serves a single accepted connection.
//
// ServeConn may run for as long as it likes. The worker closes conn after
// ServeConn returns, so implementations need not. A returned error or a panic
// is logged and otherwise ignored; it never reaches the accept loop.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn net.Conn) error

// ServeConn calls f(ctx, conn).
func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) error {
	return f(ctx, conn)
}
