// Package config loads node configuration from a yaml file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshcache/meshcache/pkg/logger"
	"github.com/meshcache/meshcache/pkg/telemetry"
)

// Node is the full configuration of one cache node.
type Node struct {
	// NodeID uniquely identifies this node in the cluster. Empty means the
	// server generates one at startup.
	NodeID string `yaml:"node_id"`
	// ListenAddr is the host:port for the cache wire transport.
	ListenAddr string `yaml:"listen_addr"`
	// RaftAddr is the host:port for the control-plane raft transport.
	RaftAddr string `yaml:"raft_addr"`
	// RaftDir holds the raft log, stable store, and snapshots.
	RaftDir string `yaml:"raft_dir"`
	// Bootstrap starts this node as the first member of a new cluster.
	Bootstrap bool `yaml:"bootstrap"`

	// Partitions is the fixed partition count for the keyspace.
	Partitions int `yaml:"partitions"`
	// Backups is the number of backup replicas kept per partition.
	// Zero means the default of one backup; negative disables backups.
	Backups int `yaml:"backups"`

	// LockTimeout bounds a single entry-lock wait.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// MaxRetries bounds coordinator retries of lock waits and replication
	// sends before the failure surfaces to the caller.
	MaxRetries int `yaml:"max_retries"`
	// AsyncReplication switches backup replication from synchronous
	// (default) to best-effort.
	AsyncReplication bool `yaml:"async_replication"`

	// Attributes are the cluster-invariant attributes checked at join time.
	Attributes map[string]string `yaml:"attributes"`
	// Peers maps node ids to cache transport addresses.
	Peers map[string]string `yaml:"peers"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Load reads and parses the yaml config at path and applies defaults.
func Load(path string) (*Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Node
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.withDefaults()
	return &cfg, nil
}

func (n *Node) withDefaults() {
	if n.Partitions <= 0 {
		n.Partitions = 1024
	}
	if n.Backups == 0 {
		n.Backups = 1
	}
	if n.Backups < 0 {
		n.Backups = 0
	}
	if n.LockTimeout <= 0 {
		n.LockTimeout = 3 * time.Second
	}
	if n.MaxRetries < 0 {
		n.MaxRetries = 0
	}
	if n.Attributes == nil {
		n.Attributes = map[string]string{}
	}
	if n.Peers == nil {
		n.Peers = map[string]string{}
	}
}
