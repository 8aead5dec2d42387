package client

import (
	"context"
	"sync"
	"sync/atomic"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/model"
)

// LocalNode is the storage surface the in-process transport calls.
type LocalNode interface {
	Get(ctx context.Context, key []byte) (*model.Record, error)
	Put(ctx context.Context, key, value []byte, version uint64, origin string) (*model.Record, error)
	Delete(ctx context.Context, key []byte, version uint64, origin string) (*model.Record, error)
	Apply(ctx context.Context, rec *model.Record) (bool, error)
}

// Fault is an injected failure mode for one node.
type Fault int

const (
	FaultNone Fault = iota
	// FaultTimeout makes every call block until its context expires.
	FaultTimeout
	// FaultRefuse fails every call immediately.
	FaultRefuse
)

// LocalClient routes storage calls to in-process nodes by node id. Faults
// can be injected per node to simulate crashed or partitioned replicas.
type LocalClient struct {
	mu     sync.RWMutex
	nodes  map[string]LocalNode
	faults map[string]Fault
	calls  map[string]*int64
}

// NewLocalClient creates an empty in-process transport.
func NewLocalClient() *LocalClient {
	return &LocalClient{
		nodes:  make(map[string]LocalNode),
		faults: make(map[string]Fault),
		calls:  make(map[string]*int64),
	}
}

// Attach binds nodeID to n, replacing any earlier binding.
func (c *LocalClient) Attach(nodeID string, n LocalNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[nodeID] = n
	if _, ok := c.calls[nodeID]; !ok {
		c.calls[nodeID] = new(int64)
	}
}

// Detach removes nodeID; later calls fail as if the node were gone.
func (c *LocalClient) Detach(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, nodeID)
}

// SetFault sets the failure mode of nodeID.
func (c *LocalClient) SetFault(nodeID string, f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[nodeID] = f
}

// Calls returns how many calls reached nodeID, faulted ones included.
func (c *LocalClient) Calls(nodeID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.calls[nodeID]; ok {
		return atomic.LoadInt64(n)
	}
	return 0
}

func (c *LocalClient) node(ctx context.Context, id string) (LocalNode, error) {
	c.mu.RLock()
	n, ok := c.nodes[id]
	fault := c.faults[id]
	counter := c.calls[id]
	c.mu.RUnlock()

	if counter != nil {
		atomic.AddInt64(counter, 1)
	}
	switch fault {
	case FaultTimeout:
		<-ctx.Done()
		return nil, ctx.Err()
	case FaultRefuse:
		return nil, kverrors.Unavailable("connection refused", nil).WithDetail("node_id", id)
	}
	if !ok {
		return nil, kverrors.Unavailable("no such node", nil).WithDetail("node_id", id)
	}
	return n, nil
}

func (c *LocalClient) Get(ctx context.Context, node model.Node, key []byte) (*model.Record, error) {
	n, err := c.node(ctx, node.NodeID)
	if err != nil {
		return nil, err
	}
	return n.Get(ctx, key)
}

func (c *LocalClient) Write(ctx context.Context, node model.Node, msg *model.ReplicationMessage) error {
	n, err := c.node(ctx, node.NodeID)
	if err != nil {
		return err
	}
	if msg.Tombstone {
		_, err = n.Delete(ctx, msg.Key, msg.Version, msg.Origin)
	} else {
		_, err = n.Put(ctx, msg.Key, msg.Value, msg.Version, msg.Origin)
	}
	return err
}

func (c *LocalClient) Apply(ctx context.Context, node model.Node, msg *model.ReplicationMessage) (bool, error) {
	n, err := c.node(ctx, node.NodeID)
	if err != nil {
		return false, err
	}
	return n.Apply(ctx, msg.Record())
}
