package client

import (
	"context"

	"google.golang.org/grpc"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/model"
	pb "github.com/devrev/quorumkv/pkg/proto"
)

// StorageClient talks to storage nodes over gRPC. Domain outcomes come back
// in the response status and are turned into coded errors; transport
// failures go through kverrors.FromGRPC.
type StorageClient struct {
	pool *connPool
}

// NewStorageClient creates a new storage client
func NewStorageClient(opts ...grpc.DialOption) *StorageClient {
	return &StorageClient{pool: newConnPool(opts...)}
}

func (c *StorageClient) stub(node model.Node) (pb.StorageNodeServiceClient, error) {
	conn, err := c.pool.get(node.Address)
	if err != nil {
		return nil, kverrors.Unavailable("storage node unreachable", err).
			WithDetail("node_id", node.NodeID)
	}
	return pb.NewStorageNodeServiceClient(conn), nil
}

// Get fetches key from node.
func (c *StorageClient) Get(ctx context.Context, node model.Node, key []byte) (*model.Record, error) {
	stub, err := c.stub(node)
	if err != nil {
		return nil, err
	}
	resp, err := stub.Get(ctx, &pb.GetRequest{Key: key})
	if err != nil {
		return nil, kverrors.FromGRPC(err)
	}
	switch resp.Status {
	case pb.Status_OK:
		return resp.Record.Model(), nil
	case pb.Status_NOT_FOUND:
		return nil, kverrors.NotFound(key)
	default:
		return nil, statusError(resp.Status, resp.ErrorMessage)
	}
}

// Write sends a put, or a delete for tombstone messages.
func (c *StorageClient) Write(ctx context.Context, node model.Node, msg *model.ReplicationMessage) error {
	stub, err := c.stub(node)
	if err != nil {
		return err
	}

	var resp *pb.WriteResponse
	if msg.Tombstone {
		resp, err = stub.Delete(ctx, &pb.DeleteRequest{
			Key:         msg.Key,
			Version:     msg.Version,
			Origin:      msg.Origin,
			PartitionId: msg.PartitionID,
		})
	} else {
		resp, err = stub.Put(ctx, &pb.PutRequest{
			Key:         msg.Key,
			Value:       msg.Value,
			Version:     msg.Version,
			Origin:      msg.Origin,
			PartitionId: msg.PartitionID,
		})
	}
	if err != nil {
		return kverrors.FromGRPC(err)
	}

	switch resp.Status {
	case pb.Status_OK:
		return nil
	case pb.Status_NOT_FOUND:
		return kverrors.NotFound(msg.Key)
	case pb.Status_VERSION_CONFLICT:
		return kverrors.VersionConflict(msg.Key, resp.CurrentVersion, msg.Version)
	default:
		return statusError(resp.Status, resp.ErrorMessage)
	}
}

// Apply sends a replication message through the last-writer-wins path.
func (c *StorageClient) Apply(ctx context.Context, node model.Node, msg *model.ReplicationMessage) (bool, error) {
	stub, err := c.stub(node)
	if err != nil {
		return false, err
	}
	resp, err := stub.Apply(ctx, pb.ReplicationFromModel(msg))
	if err != nil {
		return false, kverrors.FromGRPC(err)
	}
	if resp.Status != pb.Status_OK {
		return false, statusError(resp.Status, resp.ErrorMessage)
	}
	return resp.Applied, nil
}

// Forget drops the cached connection for addr.
func (c *StorageClient) Forget(addr string) {
	c.pool.drop(addr)
}

// Close closes all connections
func (c *StorageClient) Close() error {
	return c.pool.close()
}

func statusError(s pb.Status, msg string) error {
	switch s {
	case pb.Status_INVALID_REQUEST:
		return kverrors.InvalidArgument(msg, nil)
	case pb.Status_UNKNOWN_NODE:
		return kverrors.NewKVError(kverrors.ErrCodeUnknownNode, msg, nil)
	case pb.Status_NODE_DEAD:
		return kverrors.NewKVError(kverrors.ErrCodeNodeDead, msg, nil)
	default:
		return kverrors.InternalError(msg, nil)
	}
}
