package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/model"
	pb "github.com/devrev/quorumkv/pkg/proto"
)

// MetadataClient talks to the metadata service over gRPC.
type MetadataClient struct {
	pool *connPool
	addr string
}

// NewMetadataClient creates a client for the metadata service at addr.
func NewMetadataClient(addr string, opts ...grpc.DialOption) *MetadataClient {
	return &MetadataClient{pool: newConnPool(opts...), addr: addr}
}

func (c *MetadataClient) stub() (pb.MetadataServiceClient, error) {
	conn, err := c.pool.get(c.addr)
	if err != nil {
		return nil, kverrors.MetadataUnavailable(err)
	}
	return pb.NewMetadataServiceClient(conn), nil
}

// GetSnapshot fetches the current snapshot. When the service still holds
// knownVersion it returns (nil, nil).
func (c *MetadataClient) GetSnapshot(ctx context.Context, knownVersion uint64) (*model.Snapshot, error) {
	stub, err := c.stub()
	if err != nil {
		return nil, err
	}
	resp, err := stub.GetSnapshot(ctx, &pb.GetSnapshotRequest{KnownVersion: knownVersion})
	if err != nil {
		return nil, kverrors.MetadataUnavailable(err)
	}
	if resp.Unchanged {
		return nil, nil
	}
	if resp.Snapshot == nil {
		return nil, kverrors.MetadataUnavailable(fmt.Errorf("empty snapshot response"))
	}
	return resp.Snapshot.Model(), nil
}

// Register announces a storage node and returns its partition assignments.
func (c *MetadataClient) Register(ctx context.Context, nodeID, address string) ([]model.PartitionAssignment, error) {
	stub, err := c.stub()
	if err != nil {
		return nil, err
	}
	resp, err := stub.Register(ctx, &pb.RegisterRequest{NodeId: nodeID, Address: address})
	if err != nil {
		return nil, kverrors.MetadataUnavailable(err)
	}
	if resp.Status != pb.Status_OK {
		return nil, nodeStatusError(resp.Status, nodeID, resp.ErrorMessage)
	}
	return pb.AssignmentsToModel(resp.Partitions), nil
}

// Heartbeat reports liveness and returns the node's state.
func (c *MetadataClient) Heartbeat(ctx context.Context, hb model.Heartbeat) (model.NodeState, error) {
	stub, err := c.stub()
	if err != nil {
		return "", err
	}
	resp, err := stub.Heartbeat(ctx, &pb.HeartbeatRequest{NodeId: hb.NodeID, Timestamp: hb.Timestamp})
	if err != nil {
		return "", kverrors.MetadataUnavailable(err)
	}
	if resp.Status != pb.Status_OK {
		return "", nodeStatusError(resp.Status, hb.NodeID, resp.ErrorMessage)
	}
	return model.NodeState(resp.State), nil
}

// Close closes the connection
func (c *MetadataClient) Close() error {
	return c.pool.close()
}

func nodeStatusError(s pb.Status, nodeID, msg string) error {
	switch s {
	case pb.Status_UNKNOWN_NODE:
		return kverrors.UnknownNode(nodeID)
	case pb.Status_NODE_DEAD:
		return kverrors.NodeDead(nodeID)
	default:
		return statusError(s, msg)
	}
}
