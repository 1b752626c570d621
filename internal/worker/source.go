// CommandSource decouples the worker pool from where commands actually
// come from, mirroring the teacher's JobSource split between a local and a
// distributed origin: ChanSource wires two goroutines together in-process
// (used by tests and by single-process demo runs), NetSource wraps a live
// connection to the controller using the wire framing in internal/transport.
package worker

import (
	"bufio"
	"context"
	"errors"
	"net"

	"github.com/nimbus-sched/nimbus/internal/transport"
)

// ErrSourceClosed is returned by Recv/Send once the underlying channel or
// connection has been closed.
var ErrSourceClosed = errors.New("worker: command source closed")

// CommandSource is what a pool goroutine pulls commands from and reports
// completions to.
type CommandSource interface {
	Recv(ctx context.Context) (transport.Message, error)
	Send(ctx context.Context, msg transport.Message) error
}

// ChanSource is an in-process CommandSource, e.g. for embedding a worker
// pool directly inside a test or a single-process demo alongside the
// controller, without a real socket in between.
type ChanSource struct {
	Inbound  <-chan transport.Message
	Outbound chan<- transport.Message
}

func (s *ChanSource) Recv(ctx context.Context) (transport.Message, error) {
	select {
	case m, ok := <-s.Inbound:
		if !ok {
			return nil, ErrSourceClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ChanSource) Send(ctx context.Context, msg transport.Message) error {
	select {
	case s.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NetSource frames commands over a live TCP connection to the controller
// using internal/transport's length-prefixed wire format (§6, §11).
type NetSource struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewNetSource wraps an already-dialed connection to the controller.
func NewNetSource(conn net.Conn) *NetSource {
	return &NetSource{conn: conn, r: bufio.NewReader(conn)}
}

func (s *NetSource) Recv(ctx context.Context) (transport.Message, error) {
	type result struct {
		msg transport.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := transport.ReadFrame(s.r)
		ch <- result{m, err}
	}()
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		s.conn.Close()
		return nil, ctx.Err()
	}
}

func (s *NetSource) Send(ctx context.Context, msg transport.Message) error {
	return transport.WriteFrame(s.conn, msg)
}

// Close closes the underlying connection.
func (s *NetSource) Close() error { return s.conn.Close() }
