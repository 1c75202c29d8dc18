// Package model defines the data structures for chidori's configuration,
// sessions, attempts, and tasks.
package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type SystemConfig struct {
	Repository RepositoryConfig `yaml:"repository"`
	Queue      QueueConfig      `yaml:"queue"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Agent      AgentConfig      `yaml:"agent"`
	Project    ProjectConfig    `yaml:"project"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type RepositoryConfig struct {
	// Kind selects the task store backend: "memory" or "mysql".
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
}

type QueueConfig struct {
	// Kind selects the queue backend: "memory" or "redis".
	Kind          string `yaml:"kind"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// DefaultLeaseSec is the lock lease granted when an agent does not ask
	// for a specific duration.
	DefaultLeaseSec int `yaml:"default_lease_sec"`
	MaxLeaseSec     int `yaml:"max_lease_sec"`
}

type ExecutorConfig struct {
	// TickIntervalSec bounds how long the loop sleeps with no notices.
	TickIntervalSec  int `yaml:"tick_interval_sec"`
	EnqueueBatch     int `yaml:"enqueue_batch"`
	MaxWorkflowTasks int `yaml:"max_workflow_tasks"`
	// AttemptTTLMin force-fails attempts that run longer than this.
	AttemptTTLMin int `yaml:"attempt_ttl_min"`
	// TaskTTLMin force-fails individual started tasks that run longer than
	// this.
	TaskTTLMin      int `yaml:"task_ttl_min"`
	ReapIntervalSec int `yaml:"reap_interval_sec"`
}

type AgentConfig struct {
	PollIntervalSec      int `yaml:"poll_interval_sec"`
	MaxParallel          int `yaml:"max_parallel"`
	LeaseSec             int `yaml:"lease_sec"`
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
}

type ProjectConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

type DaemonConfig struct {
	SocketPath         string `yaml:"socket_path"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultSystemConfig returns the configuration used when no file or key is
// given.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		Repository: RepositoryConfig{Kind: "memory"},
		Queue: QueueConfig{
			Kind:            "memory",
			RedisAddr:       "127.0.0.1:6379",
			DefaultLeaseSec: 300,
			MaxLeaseSec:     3600,
		},
		Executor: ExecutorConfig{
			TickIntervalSec:  5,
			EnqueueBatch:     100,
			MaxWorkflowTasks: 1000,
			AttemptTTLMin:    7 * 24 * 60,
			TaskTTLMin:       24 * 60,
			ReapIntervalSec:  60,
		},
		Agent: AgentConfig{
			PollIntervalSec:      1,
			MaxParallel:          4,
			LeaseSec:             300,
			HeartbeatIntervalSec: 60,
		},
		Project: ProjectConfig{Dir: ".", Watch: false},
		Daemon: DaemonConfig{
			SocketPath:         "/tmp/chidori.sock",
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadSystemConfig reads path as YAML over the defaults. Keys missing from
// the file keep their default values.
func LoadSystemConfig(path string) (SystemConfig, error) {
	cfg := DefaultSystemConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
