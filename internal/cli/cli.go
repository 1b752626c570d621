// Package cli builds the nimbusd command tree (§14): a
// `run` command that starts the long-lived process, and three thin admin
// clients (`load-map`, `worker-list`, `terminate`) that dial a running
// controller rather than embedding one — the same remote-vs-local command
// split the teacher's CLI draws between its `run` and its `enqueue`/`status`
// commands, generalized from a single process's embedded controller to a
// controller process reached over the network.
package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimbus-sched/nimbus/internal/config"
	"github.com/nimbus-sched/nimbus/internal/controller"
	"github.com/nimbus-sched/nimbus/internal/metrics"
	"github.com/nimbus-sched/nimbus/internal/transport"
	"github.com/nimbus-sched/nimbus/pkg/types"
)

var configFile string

// BuildCLI assembles the nimbusd root command and its subcommands.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "nimbusd",
		Short: "Nimbus controller: schedules a distributed iterative simulation",
		Long: `Nimbus is a distributed runtime for large iterative data-parallel
simulations. nimbusd is the controller process: it owns the job graph,
version lineage, physical data placement, and worker assignment.`,
		Version: "0.1.0",
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "controller config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildLoadMapCommand())
	root.AddCommand(buildWorkerListCommand())
	root.AddCommand(buildTerminateCommand())

	return root
}

func buildRunCommand() *cobra.Command {
	var listenAddr, adminAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(listenAddr, adminAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "port", "", "worker transport listen address, overrides config (e.g. :8900)")
	cmd.Flags().StringVar(&adminAddr, "admin-port", "", "admin HTTP listen address, overrides config (e.g. :8901)")
	return cmd
}

func runController(listenAddr, adminAddr string) error {
	cfg, err := config.LoadController(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Transport.ListenAddr = listenAddr
	}
	if adminAddr != "" {
		cfg.Transport.AdminAddr = adminAddr
	}

	ctrl := controller.New(cfg)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	fmt.Printf("nimbusd listening: workers=%s admin=%s\n", ctrl.Addr(), ctrl.AdminAddr())

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("metrics listening: :%d/metrics\n", cfg.Metrics.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down")
	ctrl.Stop()
	return nil
}

// loadMapFile is the on-disk shape for `load-map`'s batch: every partition
// must appear before the data objects that reference it, since a
// DefineData frame resolves its region from a previously seen
// DefinePartition (§4.2, §14).
type loadMapFile struct {
	Partitions []struct {
		ID     types.PartitionID `json:"id"`
		Region types.Region      `json:"region"`
	} `json:"partitions"`
	Data []struct {
		ID        types.LogicalDataID   `json:"id"`
		Name      string                `json:"name"`
		Partition types.PartitionID     `json:"partition"`
		Neighbors []types.LogicalDataID `json:"neighbors,omitempty"`
	} `json:"data"`
}

func buildLoadMapCommand() *cobra.Command {
	var file, controllerAddr string

	cmd := &cobra.Command{
		Use:   "load-map",
		Short: "Submit a DefineData/DefinePartition batch from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			return loadMap(file, controllerAddr)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with \"partitions\" and \"data\" arrays")
	cmd.Flags().StringVar(&controllerAddr, "controller", "localhost:8900", "controller worker-transport address")
	return cmd
}

func loadMap(path, controllerAddr string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read map file: %w", err)
	}
	var batch loadMapFile
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("parse map file: %w", err)
	}

	conn, err := net.Dial("tcp", controllerAddr)
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer conn.Close()

	for _, p := range batch.Partitions {
		if err := transport.WriteFrame(conn, &transport.DefinePartition{PartitionID: p.ID, Region: p.Region}); err != nil {
			return fmt.Errorf("send DefinePartition %d: %w", p.ID, err)
		}
	}
	for _, d := range batch.Data {
		msg := &transport.DefineData{Name: d.Name, LDOID: d.ID, PartitionID: d.Partition, Neighbors: d.Neighbors}
		if err := transport.WriteFrame(conn, msg); err != nil {
			return fmt.Errorf("send DefineData %d: %w", d.ID, err)
		}
	}

	fmt.Printf("submitted %d partitions, %d logical data objects\n", len(batch.Partitions), len(batch.Data))
	return nil
}

func buildWorkerListCommand() *cobra.Command {
	var adminAddr string

	cmd := &cobra.Command{
		Use:   "worker-list",
		Short: "List registered workers and their queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return workerList(adminAddr)
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin", "localhost:8901", "controller admin HTTP address")
	return cmd
}

type adminWorkerView struct {
	ID           uint64   `json:"id"`
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
	QueueDepth   int      `json:"queue_depth"`
	LastSeen     string   `json:"last_seen"`
	Lost         bool     `json:"lost"`
}

func workerList(adminAddr string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/workers", adminAddr))
	if err != nil {
		return fmt.Errorf("query controller: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller returned %s", resp.Status)
	}

	var workers []adminWorkerView
	if err := json.NewDecoder(resp.Body).Decode(&workers); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if len(workers) == 0 {
		fmt.Println("no workers registered")
		return nil
	}

	fmt.Printf("%-8s %-21s %-10s %-8s %s\n", "ID", "ADDRESS", "QUEUE", "LOST", "CAPABILITIES")
	for _, w := range workers {
		addr := fmt.Sprintf("%s:%d", w.Address, w.Port)
		fmt.Printf("%-8d %-21s %-10d %-8v %v\n", w.ID, addr, w.QueueDepth, w.Lost, w.Capabilities)
	}
	return nil
}

func buildTerminateCommand() *cobra.Command {
	var adminAddr string
	var exitStatus int

	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Gracefully shut down the controller, propagating an exit status to every worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return terminate(adminAddr, exitStatus)
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin", "localhost:8901", "controller admin HTTP address")
	cmd.Flags().IntVar(&exitStatus, "exit-status", 0, "exit status to propagate to every worker")
	return cmd
}

func terminate(adminAddr string, exitStatus int) error {
	url := fmt.Sprintf("http://%s/terminate?exit_status=%d", adminAddr, exitStatus)
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("signal controller: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("controller returned %s", resp.Status)
	}
	fmt.Printf("terminate requested (exit status %d)\n", exitStatus)
	return nil
}
