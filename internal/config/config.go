// Package config loads router and worker configuration from a YAML file
// with strict field checking, every field overridable by a cobra flag
// bound in cmd/router and cmd/worker.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig is the full set of process-start-only worker settings.
type WorkerConfig struct {
	ListenPort    int           `yaml:"listen_port"`
	NodeID        string        `yaml:"node_id"`
	ModelPath     string        `yaml:"model_path"`
	CacheCapacity int           `yaml:"cache_capacity"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	LogLevel      string        `yaml:"log_level"`
}

// DefaultWorkerConfig returns the documented worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ListenPort:    8081,
		CacheCapacity: 1000,
		MaxBatchSize:  32,
		BatchTimeout:  20 * time.Millisecond,
		LogLevel:      "info",
	}
}

// RouterConfig is the full set of process-start-only router settings.
type RouterConfig struct {
	ListenPort       int           `yaml:"listen_port"`
	WorkerEndpoints  []string      `yaml:"worker_endpoints"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	CoolDown         time.Duration `yaml:"cool_down"`
	VirtualNodes     int           `yaml:"virtual_nodes"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	LogLevel         string        `yaml:"log_level"`
}

// DefaultRouterConfig returns the documented router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ListenPort:       8000,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolDown:         30 * time.Second,
		VirtualNodes:     150,
		ConnectTimeout:   5 * time.Second,
		ReadTimeout:      5 * time.Second,
		LogLevel:         "info",
	}
}

// LoadWorkerConfig starts from DefaultWorkerConfig and overlays whatever
// path's YAML document sets. An empty path is a no-op (defaults plus
// flags only). Unknown fields in the document are a parse error.
func LoadWorkerConfig(path string) (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()
	if path == "" {
		return cfg, nil
	}
	if err := decodeStrict(path, &cfg); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// LoadRouterConfig starts from DefaultRouterConfig and overlays path's
// YAML document, same contract as LoadWorkerConfig.
func LoadRouterConfig(path string) (RouterConfig, error) {
	cfg := DefaultRouterConfig()
	if path == "" {
		return cfg, nil
	}
	if err := decodeStrict(path, &cfg); err != nil {
		return RouterConfig{}, err
	}
	return cfg, nil
}

func decodeStrict(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the misconfiguration cases that should fail worker
// startup outright: a missing model path or node id.
func (c WorkerConfig) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("config: model_path is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	return nil
}

// Validate checks that the router was given at least one worker endpoint.
func (c RouterConfig) Validate() error {
	if len(c.WorkerEndpoints) == 0 {
		return fmt.Errorf("config: at least one worker endpoint is required")
	}
	return nil
}
