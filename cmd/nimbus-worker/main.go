// Command nimbus-worker is the Nimbus execution-template engine process: it
// dials a controller, registers via Handshake, and runs a fixed-size pool
// executing whatever compute/copy/create commands the controller dispatches.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbus-sched/nimbus/internal/config"
	"github.com/nimbus-sched/nimbus/internal/transport"
	"github.com/nimbus-sched/nimbus/internal/worker"
	"github.com/nimbus-sched/nimbus/pkg/types"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	configFile := flag.String("config", "", "worker config file path")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadWorker(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := worker.NewLocalStore()

	peerListenAddr := cfg.ListenAddr
	if peerListenAddr == "" {
		peerListenAddr = ":0"
	}
	peerServer, err := worker.ListenPeerServer(peerListenAddr, store, nil)
	if err != nil {
		return fmt.Errorf("start peer server: %w", err)
	}
	defer peerServer.Close()
	go func() {
		if err := peerServer.Serve(); err != nil {
			log("peer server exited: %v", err)
		}
	}()

	conn, err := net.Dial("tcp", cfg.ControllerAddr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", cfg.ControllerAddr, err)
	}

	host, portStr, err := net.SplitHostPort(peerServer.Addr())
	if err != nil {
		return fmt.Errorf("parse bound peer address: %w", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	if host == "" || host == "::" {
		host = "127.0.0.1"
	}

	hs := &transport.Handshake{
		WorkerID:     types.WorkerID(cfg.ID),
		Address:      host,
		Port:         port,
		Capabilities: cfg.Capabilities,
	}
	if err := transport.WriteFrame(conn, hs); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	source := worker.NewNetSource(conn)
	defer source.Close()

	peers := make(map[types.WorkerID]string, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		peers[types.WorkerID(id)] = addr
	}
	dialer := &worker.PeerDialer{Book: worker.NewPeerBook(peers)}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	pool := worker.NewPool(poolSize, source, store, dialer, nil)
	if err := pool.Start(); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	log("nimbus-worker %d registered with %s, peer address %s", cfg.ID, cfg.ControllerAddr, peerServer.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log("shutting down")
	pool.Stop()
	return nil
}

func log(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
