package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nimbus-sched/nimbus/internal/transport"
)

func TestChanSourceRecvAndSend(t *testing.T) {
	in := make(chan transport.Message, 1)
	out := make(chan transport.Message, 1)
	src := &ChanSource{Inbound: in, Outbound: out}

	in <- &transport.ComputeJob{JobID: 1}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := src.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if _, ok := m.(*transport.ComputeJob); !ok {
		t.Fatalf("expected *transport.ComputeJob, got %T", m)
	}

	if err := src.Send(ctx, &transport.JobDone{JobID: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-out:
		if _, ok := got.(*transport.JobDone); !ok {
			t.Fatalf("expected *transport.JobDone, got %T", got)
		}
	default:
		t.Fatal("expected a message on the outbound channel")
	}
}

func TestChanSourceRecvClosedChannel(t *testing.T) {
	in := make(chan transport.Message)
	close(in)
	src := &ChanSource{Inbound: in, Outbound: make(chan transport.Message, 1)}

	_, err := src.Recv(context.Background())
	if err != ErrSourceClosed {
		t.Fatalf("expected ErrSourceClosed, got %v", err)
	}
}

func TestChanSourceRecvCanceled(t *testing.T) {
	src := &ChanSource{Inbound: make(chan transport.Message), Outbound: make(chan transport.Message, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Recv(ctx)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNetSourceRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			serverConnCh <- conn
		}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()
	serverConn := <-serverConnCh
	defer serverConn.Close()

	client := NewNetSource(clientConn)
	server := NewNetSource(serverConn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Send(ctx, &transport.ComputeJob{JobID: 42, Name: "advect"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	m, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	job, ok := m.(*transport.ComputeJob)
	if !ok || job.JobID != 42 || job.Name != "advect" {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestNetSourceRecvCanceledClosesConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			serverConnCh <- conn
		}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()
	<-serverConnCh

	src := NewNetSource(clientConn)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = src.Recv(ctx)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
