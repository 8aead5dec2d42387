package handler

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/model"
	pb "github.com/devrev/quorumkv/pkg/proto"
)

// RecordStore is the storage node surface served over gRPC.
type RecordStore interface {
	Get(ctx context.Context, key []byte) (*model.Record, error)
	Put(ctx context.Context, key, value []byte, version uint64, origin string) (*model.Record, error)
	Delete(ctx context.Context, key []byte, version uint64, origin string) (*model.Record, error)
	Apply(ctx context.Context, rec *model.Record) (bool, error)
}

// StorageHandler implements the gRPC storage service
type StorageHandler struct {
	store  RecordStore
	logger *zap.Logger
	pb.UnimplementedStorageNodeServiceServer
}

// NewStorageHandler creates a new storage handler
func NewStorageHandler(store RecordStore, logger *zap.Logger) *StorageHandler {
	return &StorageHandler{
		store:  store,
		logger: logger,
	}
}

// Get handles read requests
func (h *StorageHandler) Get(ctx context.Context, req *pb.GetRequest) (*pb.GetResponse, error) {
	if len(req.Key) == 0 {
		return &pb.GetResponse{Status: pb.Status_INVALID_REQUEST, ErrorMessage: "key is required"}, nil
	}

	rec, err := h.store.Get(ctx, req.Key)
	if err != nil {
		if cerr := contextError(err); cerr != nil {
			return nil, cerr
		}
		st := storageStatus(err)
		if st == pb.Status_INTERNAL_ERROR {
			h.logger.Error("Get failed", zap.ByteString("key", req.Key), zap.Error(err))
		}
		return &pb.GetResponse{Status: st, ErrorMessage: err.Error()}, nil
	}
	return &pb.GetResponse{Status: pb.Status_OK, Record: pb.RecordFromModel(rec)}, nil
}

// Put handles versioned writes
func (h *StorageHandler) Put(ctx context.Context, req *pb.PutRequest) (*pb.WriteResponse, error) {
	_, err := h.store.Put(ctx, req.Key, req.Value, req.Version, req.Origin)
	return h.writeResponse(req.Key, req.Version, err)
}

// Delete handles versioned tombstone writes
func (h *StorageHandler) Delete(ctx context.Context, req *pb.DeleteRequest) (*pb.WriteResponse, error) {
	_, err := h.store.Delete(ctx, req.Key, req.Version, req.Origin)
	return h.writeResponse(req.Key, req.Version, err)
}

// Apply handles replication messages from read-repair and hinted handoff
func (h *StorageHandler) Apply(ctx context.Context, req *pb.ReplicationMessage) (*pb.ApplyResponse, error) {
	applied, err := h.store.Apply(ctx, req.Model().Record())
	if err != nil {
		if cerr := contextError(err); cerr != nil {
			return nil, cerr
		}
		st := storageStatus(err)
		if st == pb.Status_INTERNAL_ERROR {
			h.logger.Error("Apply failed",
				zap.ByteString("key", req.Key),
				zap.Uint64("version", req.Version),
				zap.Error(err))
		}
		return &pb.ApplyResponse{Status: st, ErrorMessage: err.Error()}, nil
	}
	return &pb.ApplyResponse{Status: pb.Status_OK, Applied: applied}, nil
}

func (h *StorageHandler) writeResponse(key []byte, version uint64, err error) (*pb.WriteResponse, error) {
	if err == nil {
		return &pb.WriteResponse{Status: pb.Status_OK}, nil
	}
	if cerr := contextError(err); cerr != nil {
		return nil, cerr
	}

	st := storageStatus(err)
	resp := &pb.WriteResponse{Status: st, ErrorMessage: err.Error()}
	switch st {
	case pb.Status_VERSION_CONFLICT:
		resp.CurrentVersion, _ = kverrors.CurrentVersion(err)
	case pb.Status_INTERNAL_ERROR:
		h.logger.Error("Write failed",
			zap.ByteString("key", key),
			zap.Uint64("version", version),
			zap.Error(err))
	}
	return resp, nil
}

func storageStatus(err error) pb.Status {
	switch kverrors.GetCode(err) {
	case kverrors.ErrCodeNotFound:
		return pb.Status_NOT_FOUND
	case kverrors.ErrCodeVersionConflict:
		return pb.Status_VERSION_CONFLICT
	case kverrors.ErrCodeInvalidArgument:
		return pb.Status_INVALID_REQUEST
	case kverrors.ErrCodeUnknownNode:
		return pb.Status_UNKNOWN_NODE
	case kverrors.ErrCodeNodeDead:
		return pb.Status_NODE_DEAD
	default:
		return pb.Status_INTERNAL_ERROR
	}
}

// contextError turns a cancelled or expired request into the matching gRPC
// status so callers see a timeout rather than a domain outcome.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return status.FromContextError(err).Err()
	}
	return nil
}
