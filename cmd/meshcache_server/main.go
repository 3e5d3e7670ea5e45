// meshcache_server runs one cache node: the control-plane raft registry,
// the cache wire transport, and the grid node itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/meshcache/meshcache/config"
	"github.com/meshcache/meshcache/core/grid"
	"github.com/meshcache/meshcache/core/topology"
	"github.com/meshcache/meshcache/core/topology/raftfsm"
	"github.com/meshcache/meshcache/core/transport"
	"github.com/meshcache/meshcache/pkg/logger"
	"github.com/meshcache/meshcache/pkg/telemetry"
)

const (
	raftMaxPool        = 3
	raftTimeout        = 10 * time.Second
	raftSnapshotRetain = 2
)

func main() {
	configPath := flag.String("config", "meshcache.yaml", "path to the node config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "meshcache_server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zlog.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	local := topology.Member{
		ID:         cfg.NodeID,
		Addr:       cfg.ListenAddr,
		Attributes: cfg.Attributes,
	}
	gate := topology.NewGate(nil, nil, zlog)
	view := topology.NewView(local, gate, zlog)

	registry := raftfsm.NewRegistry(zlog)
	raftNode, err := startRaft(cfg, registry, zlog)
	if err != nil {
		return err
	}
	if cfg.Bootstrap {
		cmd := raftfsm.Command{Op: raftfsm.OpJoin, Member: local}
		data, err := cmd.Encode()
		if err != nil {
			return err
		}
		if err := raftNode.Apply(data, raftTimeout).Error(); err != nil {
			return fmt.Errorf("register local node: %w", err)
		}
	}

	cacheTransport, err := transport.NewTCP(cfg.NodeID, cfg.ListenAddr, cfg.Peers, zlog)
	if err != nil {
		return err
	}

	node := grid.New(grid.Config{
		NodeID:          cfg.NodeID,
		Partitions:      cfg.Partitions,
		Backups:         cfg.Backups,
		LockTimeout:     cfg.LockTimeout,
		MaxRetries:      cfg.MaxRetries,
		SyncReplication: !cfg.AsyncReplication,
	}, view, cacheTransport, zlog, tel.Meter)

	stop := make(chan struct{})
	go mirrorRegistry(registry, view, cacheTransport, stop)

	zlog.Info("meshcache node started",
		zap.String("node", cfg.NodeID),
		zap.String("listen", cacheTransport.Addr()),
		zap.String("raft", cfg.RaftAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zlog.Info("shutting down")
	close(stop)
	if err := node.Close(); err != nil {
		zlog.Warn("node shutdown", zap.Error(err))
	}
	if err := raftNode.Shutdown().Error(); err != nil {
		zlog.Warn("raft shutdown", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telShutdown(ctx); err != nil {
		zlog.Warn("telemetry shutdown", zap.Error(err))
	}
	return nil
}

// startRaft wires the control-plane raft node: boltdb log and stable
// stores, file snapshots, and a TCP transport.
func startRaft(cfg *config.Node, registry *raftfsm.Registry, zlog *zap.Logger) (*raft.Raft, error) {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)
	rc.Logger = hclog.Default().Named("raft")

	dataDir := filepath.Join(cfg.RaftDir, cfg.NodeID)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create raft dir %s: %w", dataDir, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.RaftAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft addr %s: %w", cfg.RaftAddr, err)
	}
	trans, err := raft.NewTCPTransport(cfg.RaftAddr, addr, raftMaxPool, raftTimeout, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(dataDir, raftSnapshotRetain, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	boltDB, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("create bolt store: %w", err)
	}

	raftNode, err := raft.NewRaft(rc, registry, boltDB, boltDB, snapshots, trans)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if cfg.Bootstrap {
		future := raftNode.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: rc.LocalID, Address: trans.LocalAddr()}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
		zlog.Info("raft cluster bootstrapped")
	}
	return raftNode, nil
}

// mirrorRegistry pushes replicated registry state into the local topology
// view whenever it changes, and keeps the transport's peer table current.
func mirrorRegistry(registry *raftfsm.Registry, view *topology.View, trans *transport.TCPTransport, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-registry.Changed():
			members := registry.Members()
			for _, m := range members {
				if m.Addr != "" {
					trans.AddPeer(m.ID, m.Addr)
				}
			}
			// Registry generations ride above the seed version so the
			// view never rejects a replicated update as stale.
			view.OnTopologyChanged(registry.Generation()+1, members)
		}
	}
}
