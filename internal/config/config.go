// Package config loads the YAML configuration for both the nimbusd
// controller and the nimbus-worker process, following the teacher's single
// nested-struct-with-yaml-tags convention.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Controller is the nimbusd process configuration.
type Controller struct {
	Binder struct {
		Alpha    float64 `yaml:"alpha"`
		Beta     float64 `yaml:"beta"`
		Gamma    float64 `yaml:"gamma"`
		Capacity int     `yaml:"capacity_per_worker"`
	} `yaml:"binder"`

	Transport struct {
		ListenAddr string `yaml:"listen_addr"`
		AdminAddr  string `yaml:"admin_addr"`
	} `yaml:"transport"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	IDMaker struct {
		RequesterBits uint `yaml:"requester_bits"`
	} `yaml:"id_maker"`
}

// CheckpointConfig holds the checkpoint-creation and index-persistence
// settings. IntervalSeconds is whole seconds rather than a time.Duration:
// yaml.v3 unmarshals a bare YAML integer into a time.Duration field as
// nanoseconds, so "interval_seconds: 30" would silently become 30ns. Read
// it through Interval() instead of using the field directly.
type CheckpointConfig struct {
	Dir             string `yaml:"dir"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// Interval converts IntervalSeconds to a time.Duration for ticker use.
func (c CheckpointConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Worker is the nimbus-worker process configuration.
type Worker struct {
	ID             uint64   `yaml:"id"`
	ControllerAddr string   `yaml:"controller_addr"`
	ListenAddr     string   `yaml:"listen_addr"`
	PoolSize       int      `yaml:"pool_size"`
	Capabilities   []string `yaml:"capabilities"`

	// Peers seeds the worker-to-worker address directory (RemoteCopySend's
	// closed vocabulary carries a WorkerID, not an address). Statically
	// configured for now; a running fleet is expected to share one file.
	Peers map[uint64]string `yaml:"peers"`
}

// DefaultController returns the controller configuration used when no file
// is given, tuned for a single-process local run.
func DefaultController() Controller {
	var c Controller
	c.Binder.Alpha = 1.0
	c.Binder.Beta = 0.5
	c.Binder.Gamma = 0.01
	c.Binder.Capacity = 64
	c.Transport.ListenAddr = ":8900"
	c.Transport.AdminAddr = ":8901"
	c.Checkpoint.Dir = "data/checkpoints"
	c.Checkpoint.IntervalSeconds = 30
	c.Metrics.Enabled = true
	c.Metrics.Port = 9090
	c.IDMaker.RequesterBits = 20
	return c
}

// DefaultWorker returns the worker configuration used when no file is given.
func DefaultWorker() Worker {
	return Worker{
		ControllerAddr: "localhost:8900",
		PoolSize:       4,
	}
}

// LoadController reads and parses a controller config file, falling back to
// defaults for any field the file doesn't set.
func LoadController(path string) (Controller, error) {
	cfg := DefaultController()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read controller config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse controller config: %w", err)
	}
	return cfg, nil
}

// LoadWorker reads and parses a worker config file, falling back to defaults
// for any field the file doesn't set.
func LoadWorker(path string) (Worker, error) {
	cfg := DefaultWorker()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read worker config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse worker config: %w", err)
	}
	return cfg, nil
}
