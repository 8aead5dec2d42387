package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type PartitionAssignment struct {
	PartitionId    int      `json:"partition_id"`
	ReplicaNodeIds []string `json:"replica_node_ids"`
}

type NodeInfo struct {
	NodeId  string `json:"node_id"`
	State   string `json:"state"`
	Address string `json:"address"`
}

// Snapshot is {version, partitions, nodes}.
type Snapshot struct {
	Version    uint64                `json:"version"`
	Partitions []PartitionAssignment `json:"partitions"`
	Nodes      []NodeInfo            `json:"nodes"`
}

type GetSnapshotRequest struct {
	// KnownVersion lets callers skip the payload when nothing changed.
	KnownVersion uint64 `json:"known_version,omitempty"`
}

type GetSnapshotResponse struct {
	Unchanged bool      `json:"unchanged,omitempty"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
}

type RegisterRequest struct {
	NodeId  string `json:"node_id"`
	Address string `json:"address"`
}

type RegisterResponse struct {
	Status          Status                `json:"status"`
	Partitions      []PartitionAssignment `json:"partitions,omitempty"`
	SnapshotVersion uint64                `json:"snapshot_version"`
	ErrorMessage    string                `json:"error_message,omitempty"`
}

// HeartbeatRequest is {node_id, timestamp}.
type HeartbeatRequest struct {
	NodeId    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

type HeartbeatResponse struct {
	Status       Status `json:"status"`
	State        string `json:"state,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// MetadataServiceServer is the server API for MetadataService.
type MetadataServiceServer interface {
	GetSnapshot(context.Context, *GetSnapshotRequest) (*GetSnapshotResponse, error)
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
}

type UnimplementedMetadataServiceServer struct{}

func (UnimplementedMetadataServiceServer) GetSnapshot(context.Context, *GetSnapshotRequest) (*GetSnapshotResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetSnapshot not implemented")
}
func (UnimplementedMetadataServiceServer) Register(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Register not implemented")
}
func (UnimplementedMetadataServiceServer) Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Heartbeat not implemented")
}

func RegisterMetadataServiceServer(s grpc.ServiceRegistrar, srv MetadataServiceServer) {
	s.RegisterService(&MetadataService_ServiceDesc, srv)
}

const metadataService = "quorumkv.MetadataService"

func _MetadataService_GetSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MetadataServiceServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + metadataService + "/GetSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MetadataServiceServer).GetSnapshot(ctx, req.(*GetSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _MetadataService_Register_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MetadataServiceServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + metadataService + "/Register"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MetadataServiceServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _MetadataService_Heartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MetadataServiceServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + metadataService + "/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MetadataServiceServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// MetadataService_ServiceDesc is the grpc.ServiceDesc for MetadataService.
var MetadataService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: metadataService,
	HandlerType: (*MetadataServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: _MetadataService_GetSnapshot_Handler},
		{MethodName: "Register", Handler: _MetadataService_Register_Handler},
		{MethodName: "Heartbeat", Handler: _MetadataService_Heartbeat_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "metadata.proto",
}

// MetadataServiceClient is the client API for MetadataService.
type MetadataServiceClient interface {
	GetSnapshot(ctx context.Context, in *GetSnapshotRequest, opts ...grpc.CallOption) (*GetSnapshotResponse, error)
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
}

type metadataServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewMetadataServiceClient(cc grpc.ClientConnInterface) MetadataServiceClient {
	return &metadataServiceClient{cc}
}

func (c *metadataServiceClient) GetSnapshot(ctx context.Context, in *GetSnapshotRequest, opts ...grpc.CallOption) (*GetSnapshotResponse, error) {
	out := new(GetSnapshotResponse)
	if err := c.cc.Invoke(ctx, "/"+metadataService+"/GetSnapshot", in, out, CallOptions(opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *metadataServiceClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, "/"+metadataService+"/Register", in, out, CallOptions(opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *metadataServiceClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, "/"+metadataService+"/Heartbeat", in, out, CallOptions(opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}
