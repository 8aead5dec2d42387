package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/quorumkv/internal/model"
	pb "github.com/devrev/quorumkv/pkg/proto"
)

// MembershipService is the metadata surface served over gRPC.
type MembershipService interface {
	GetSnapshot() *model.Snapshot
	Register(ctx context.Context, nodeID, address string) ([]model.PartitionAssignment, error)
	Heartbeat(ctx context.Context, hb model.Heartbeat) (model.NodeState, error)
}

// MetadataHandler implements the gRPC metadata service
type MetadataHandler struct {
	svc    MembershipService
	logger *zap.Logger
	pb.UnimplementedMetadataServiceServer
}

// NewMetadataHandler creates a new metadata handler
func NewMetadataHandler(svc MembershipService, logger *zap.Logger) *MetadataHandler {
	return &MetadataHandler{svc: svc, logger: logger}
}

// GetSnapshot returns the current snapshot, or Unchanged when the caller
// already holds it.
func (h *MetadataHandler) GetSnapshot(ctx context.Context, req *pb.GetSnapshotRequest) (*pb.GetSnapshotResponse, error) {
	snap := h.svc.GetSnapshot()
	if req.KnownVersion != 0 && req.KnownVersion == snap.Version {
		return &pb.GetSnapshotResponse{Unchanged: true}, nil
	}
	return &pb.GetSnapshotResponse{Snapshot: pb.SnapshotFromModel(snap)}, nil
}

// Register handles node registration
func (h *MetadataHandler) Register(ctx context.Context, req *pb.RegisterRequest) (*pb.RegisterResponse, error) {
	assignments, err := h.svc.Register(ctx, req.NodeId, req.Address)
	if err != nil {
		if cerr := contextError(err); cerr != nil {
			return nil, cerr
		}
		st := storageStatus(err)
		if st == pb.Status_INTERNAL_ERROR {
			h.logger.Error("Register failed", zap.String("node_id", req.NodeId), zap.Error(err))
		}
		return &pb.RegisterResponse{Status: st, ErrorMessage: err.Error()}, nil
	}

	h.logger.Info("Node registered",
		zap.String("node_id", req.NodeId),
		zap.String("address", req.Address),
		zap.Int("partitions", len(assignments)))
	return &pb.RegisterResponse{
		Status:          pb.Status_OK,
		Partitions:      pb.AssignmentsFromModel(assignments),
		SnapshotVersion: h.svc.GetSnapshot().Version,
	}, nil
}

// Heartbeat handles liveness reports
func (h *MetadataHandler) Heartbeat(ctx context.Context, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error) {
	state, err := h.svc.Heartbeat(ctx, model.Heartbeat{NodeID: req.NodeId, Timestamp: req.Timestamp})
	if err != nil {
		if cerr := contextError(err); cerr != nil {
			return nil, cerr
		}
		return &pb.HeartbeatResponse{Status: storageStatus(err), ErrorMessage: err.Error()}, nil
	}
	return &pb.HeartbeatResponse{Status: pb.Status_OK, State: string(state)}, nil
}
