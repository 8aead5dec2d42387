// Package cluster assembles a complete store in one process: storage nodes
// with real commit logs, the metadata service, a coordinator and a router,
// joined by an in-process transport that can inject faults. It backs the
// end-to-end tests and local experiments.
package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/quorumkv/internal/algorithm"
	"github.com/devrev/quorumkv/internal/client"
	"github.com/devrev/quorumkv/internal/coordinator"
	"github.com/devrev/quorumkv/internal/metadata"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
	"github.com/devrev/quorumkv/internal/router"
	"github.com/devrev/quorumkv/internal/storage"
)

// Config describes the cluster to build.
type Config struct {
	Dir               string
	Nodes             int
	Partitions        int
	ReplicationFactor int
	Quorum            algorithm.Quorum
	SuspectAfter      time.Duration
	DeadAfter         time.Duration
	CallTimeout       time.Duration
	// Hints enables hinted handoff; read-repair is always on.
	Hints   bool
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Nodes <= 0 {
		c.Nodes = 3
	}
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 3
	}
	if c.Quorum.N == 0 {
		c.Quorum, _ = algorithm.QuorumForPreset(algorithm.PresetBalanced, c.ReplicationFactor)
	}
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = 3 * time.Second
	}
	if c.DeadAfter <= c.SuspectAfter {
		c.DeadAfter = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Clock is a manually advanced clock driving liveness.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Node is one storage node of the cluster.
type Node struct {
	ID      string
	dir     string
	Storage *storage.StorageService
	Agent   *storage.MembershipAgent
}

// Cluster is a running in-process store.
type Cluster struct {
	cfg         Config
	Clock       *Clock
	Metadata    *metadata.Service
	Transport   *client.LocalClient
	Coordinator *coordinator.Coordinator
	Hints       *coordinator.HintedHandoff
	Repairer    *router.Repairer
	Snapshots   *router.SnapshotCache
	Router      *router.Router

	idempotency *router.MemoryIdempotencyStore
	mu          sync.Mutex
	nodes       map[string]*Node
}

// New builds the cluster, registers every node and brings it to active.
func New(ctx context.Context, cfg Config) (*Cluster, error) {
	cfg.setDefaults()
	c := &Cluster{
		cfg:       cfg,
		Clock:     &Clock{now: time.Unix(1700000000, 0)},
		Transport: client.NewLocalClient(),
		nodes:     make(map[string]*Node),
	}

	md, err := metadata.NewService(ctx, metadata.Config{
		Partitions:        cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		VirtualNodes:      32,
		SuspectAfter:      cfg.SuspectAfter,
		DeadAfter:         cfg.DeadAfter,
		Now:               c.Clock.Now,
	}, metadata.NewMemoryStore(), cfg.Metrics, cfg.Logger.Named("metadata"))
	if err != nil {
		return nil, err
	}
	c.Metadata = md

	c.Snapshots = router.NewSnapshotCache(router.LocalSource(md.GetSnapshot), time.Nanosecond, time.Minute, cfg.Metrics, cfg.Logger.Named("snapshots"))
	if cfg.Hints {
		c.Hints = coordinator.NewHintedHandoff(coordinator.HintConfig{ReplayTimeout: cfg.CallTimeout},
			c.Transport, c.Snapshots.Resolve, cfg.Metrics, cfg.Logger.Named("hints"))
	}
	c.Coordinator, err = coordinator.New(coordinator.Config{
		NodeID:       "router-0",
		Quorum:       cfg.Quorum,
		WriteTimeout: cfg.CallTimeout,
		ReadTimeout:  cfg.CallTimeout,
	}, c.Transport, c.Hints, cfg.Metrics, cfg.Logger.Named("coordinator"))
	if err != nil {
		return nil, err
	}
	c.Repairer = router.NewRepairer(router.RepairConfig{Workers: 4, QueueSize: 1024, Timeout: cfg.CallTimeout},
		c.Transport, cfg.Metrics, cfg.Logger.Named("repair"))
	c.idempotency = router.NewMemoryIdempotencyStore(10000, time.Minute)
	c.Router = router.New(router.Config{RetryBackoff: 10 * time.Millisecond},
		algorithm.NewPartitioner(cfg.Partitions), c.Snapshots, c.Coordinator, c.Repairer,
		c.idempotency, cfg.Metrics, cfg.Logger.Named("router"))

	for i := 1; i <= cfg.Nodes; i++ {
		if _, err := c.AddNode(ctx, fmt.Sprintf("node-%d", i)); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// AddNode starts a storage node, registers it and sends its first
// heartbeat so it becomes active.
func (c *Cluster) AddNode(ctx context.Context, id string) (*Node, error) {
	n := &Node{ID: id, dir: filepath.Join(c.cfg.Dir, id)}
	if err := c.open(n); err != nil {
		return nil, err
	}
	n.Agent = storage.NewMembershipAgent(storage.MembershipConfig{
		NodeID:  id,
		Address: id,
	}, c.Metadata, c.cfg.Metrics, c.cfg.Logger.Named("membership"))
	if err := n.Agent.Register(ctx); err != nil {
		n.Storage.Close()
		return nil, err
	}
	if err := n.Agent.Beat(ctx); err != nil {
		n.Storage.Close()
		return nil, err
	}

	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()
	return n, nil
}

func (c *Cluster) open(n *Node) error {
	svc, err := storage.NewStorageService(storage.Options{
		NodeID:    n.ID,
		DataDir:   n.dir,
		CommitLog: storage.CommitLogConfig{SegmentSize: 4 << 20, SyncWrites: true},
	}, c.cfg.Metrics, c.cfg.Logger.Named(n.ID))
	if err != nil {
		return fmt.Errorf("failed to open storage for %s: %w", n.ID, err)
	}
	n.Storage = svc
	c.Transport.Attach(n.ID, svc)
	return nil
}

// Node returns a node by id.
func (c *Cluster) Node(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

// Kill stops a node's process: its storage closes and calls to it fail.
func (c *Cluster) Kill(id string) error {
	n := c.Node(id)
	if n == nil || n.Storage == nil {
		return fmt.Errorf("node %s is not running", id)
	}
	c.Transport.Detach(id)
	err := n.Storage.Close()
	n.Storage = nil
	return err
}

// Restart reopens a killed node from its commit log and heartbeats it.
func (c *Cluster) Restart(ctx context.Context, id string) error {
	n := c.Node(id)
	if n == nil {
		return fmt.Errorf("unknown node %s", id)
	}
	if n.Storage != nil {
		return fmt.Errorf("node %s is running", id)
	}
	if err := c.open(n); err != nil {
		return err
	}
	return n.Agent.Beat(ctx)
}

// Tick advances the clock by d, heartbeats every running node and runs the
// liveness check.
func (c *Cluster) Tick(ctx context.Context, d time.Duration) error {
	c.Clock.Advance(d)
	for _, id := range c.running() {
		if err := c.Node(id).Agent.Beat(ctx); err != nil {
			return fmt.Errorf("heartbeat from %s: %w", id, err)
		}
	}
	return c.Metadata.CheckLiveness(ctx)
}

func (c *Cluster) running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, n := range c.nodes {
		if n.Storage != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// State returns a node's state in the current snapshot.
func (c *Cluster) State(id string) model.NodeState {
	n, _ := c.Metadata.GetSnapshot().Node(id)
	return n.State
}

// Settle waits for background repairs to finish.
func (c *Cluster) Settle(ctx context.Context) error {
	return c.Repairer.Drain(ctx)
}

// Close stops background work and closes every running node.
func (c *Cluster) Close() error {
	c.Repairer.Stop(time.Second)
	c.idempotency.Close()
	if c.Hints != nil {
		c.Hints.Stop()
	}
	var firstErr error
	for _, id := range c.running() {
		if err := c.Node(id).Storage.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
