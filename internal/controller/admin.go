package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nimbus-sched/nimbus/internal/workerregistry"
)

// adminWorkerView is the JSON shape returned by GET /workers. It exists
// because workerregistry.Worker's Capabilities set (map[string]bool) isn't
// a friendly wire shape for a human or a script reading the admin surface.
type adminWorkerView struct {
	ID           uint64   `json:"id"`
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
	QueueDepth   int      `json:"queue_depth"`
	LastSeen     string   `json:"last_seen"`
	Lost         bool     `json:"lost"`
}

// StartAdmin serves the read-only worker-list query and the
// terminate-via-HTTP shutdown trigger (§12, §14): the closed worker-wire
// command vocabulary has no request/response pair for either, so both ride
// on a small separate JSON endpoint instead of the frame transport workers
// speak.
func (c *Controller) StartAdmin(ctx context.Context) error {
	if c.cfg.Transport.AdminAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/workers", c.handleWorkerList)
	mux.HandleFunc("/terminate", c.handleAdminTerminate)

	ln, err := net.Listen("tcp", c.cfg.Transport.AdminAddr)
	if err != nil {
		return fmt.Errorf("controller: admin listen %s: %w", c.cfg.Transport.AdminAddr, err)
	}
	c.adminListener = ln
	srv := &http.Server{Handler: mux}

	c.group.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("admin server exited", "error", err)
		}
		return nil
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return nil
}

func (c *Controller) handleWorkerList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workers := c.WorkerList()
	out := make([]adminWorkerView, 0, len(workers))
	for _, wk := range workers {
		out = append(out, toAdminView(wk))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func toAdminView(wk workerregistry.Worker) adminWorkerView {
	caps := make([]string, 0, len(wk.Capabilities))
	for name, ok := range wk.Capabilities {
		if ok {
			caps = append(caps, name)
		}
	}
	return adminWorkerView{
		ID:           uint64(wk.ID),
		Address:      wk.Address,
		Port:         wk.Port,
		Capabilities: caps,
		QueueDepth:   wk.QueueDepth,
		LastSeen:     wk.LastSeen.Format(time.RFC3339),
		Lost:         wk.Lost,
	}
}

// handleAdminTerminate implements the `terminate <exit-status>` CLI
// command's wire side: a POST with an optional exit_status query parameter
// (the request body is not read) triggers Terminate, propagating a
// Terminate frame to every worker
// before the controller itself shuts down (§12).
func (c *Controller) handleAdminTerminate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	exitStatus := 0
	if v := r.URL.Query().Get("exit_status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid exit_status: %v", err), http.StatusBadRequest)
			return
		}
		exitStatus = n
	}

	w.WriteHeader(http.StatusAccepted)
	go c.Terminate(exitStatus)
}
