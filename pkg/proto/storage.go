package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Record struct {
	Key       []byte `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Version   uint64 `json:"version"`
	Tombstone bool   `json:"tombstone,omitempty"`
	Origin    string `json:"origin,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type GetRequest struct {
	Key []byte `json:"key"`
}

type GetResponse struct {
	Status       Status  `json:"status"`
	Record       *Record `json:"record,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

type PutRequest struct {
	Key         []byte `json:"key"`
	Value       []byte `json:"value"`
	Version     uint64 `json:"version"`
	Origin      string `json:"origin"`
	PartitionId int    `json:"partition_id"`
}

type DeleteRequest struct {
	Key         []byte `json:"key"`
	Version     uint64 `json:"version"`
	Origin      string `json:"origin"`
	PartitionId int    `json:"partition_id"`
}

// WriteResponse answers Put and Delete. CurrentVersion is set on
// VERSION_CONFLICT.
type WriteResponse struct {
	Status         Status `json:"status"`
	CurrentVersion uint64 `json:"current_version,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ReplicationMessage is {key, value_or_tombstone, version, partition_id}.
type ReplicationMessage struct {
	Key         []byte `json:"key"`
	Value       []byte `json:"value,omitempty"`
	Tombstone   bool   `json:"tombstone,omitempty"`
	Version     uint64 `json:"version"`
	PartitionId int    `json:"partition_id"`
	Origin      string `json:"origin,omitempty"`
}

type ApplyResponse struct {
	Status       Status `json:"status"`
	Applied      bool   `json:"applied"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StorageNodeServiceServer is the server API for StorageNodeService.
type StorageNodeServiceServer interface {
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Put(context.Context, *PutRequest) (*WriteResponse, error)
	Delete(context.Context, *DeleteRequest) (*WriteResponse, error)
	Apply(context.Context, *ReplicationMessage) (*ApplyResponse, error)
}

// UnimplementedStorageNodeServiceServer can be embedded for forward
// compatibility.
type UnimplementedStorageNodeServiceServer struct{}

func (UnimplementedStorageNodeServiceServer) Get(context.Context, *GetRequest) (*GetResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Get not implemented")
}
func (UnimplementedStorageNodeServiceServer) Put(context.Context, *PutRequest) (*WriteResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Put not implemented")
}
func (UnimplementedStorageNodeServiceServer) Delete(context.Context, *DeleteRequest) (*WriteResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Delete not implemented")
}
func (UnimplementedStorageNodeServiceServer) Apply(context.Context, *ReplicationMessage) (*ApplyResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Apply not implemented")
}

func RegisterStorageNodeServiceServer(s grpc.ServiceRegistrar, srv StorageNodeServiceServer) {
	s.RegisterService(&StorageNodeService_ServiceDesc, srv)
}

const storageService = "quorumkv.StorageNodeService"

func _StorageNodeService_Get_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StorageNodeServiceServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + storageService + "/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StorageNodeServiceServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _StorageNodeService_Put_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StorageNodeServiceServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + storageService + "/Put"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StorageNodeServiceServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _StorageNodeService_Delete_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StorageNodeServiceServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + storageService + "/Delete"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StorageNodeServiceServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _StorageNodeService_Apply_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReplicationMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StorageNodeServiceServer).Apply(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + storageService + "/Apply"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StorageNodeServiceServer).Apply(ctx, req.(*ReplicationMessage))
	}
	return interceptor(ctx, in, info, handler)
}

// StorageNodeService_ServiceDesc is the grpc.ServiceDesc for StorageNodeService.
var StorageNodeService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: storageService,
	HandlerType: (*StorageNodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: _StorageNodeService_Get_Handler},
		{MethodName: "Put", Handler: _StorageNodeService_Put_Handler},
		{MethodName: "Delete", Handler: _StorageNodeService_Delete_Handler},
		{MethodName: "Apply", Handler: _StorageNodeService_Apply_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storage.proto",
}

// StorageNodeServiceClient is the client API for StorageNodeService.
type StorageNodeServiceClient interface {
	Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error)
	Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*WriteResponse, error)
	Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*WriteResponse, error)
	Apply(ctx context.Context, in *ReplicationMessage, opts ...grpc.CallOption) (*ApplyResponse, error)
}

type storageNodeServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewStorageNodeServiceClient(cc grpc.ClientConnInterface) StorageNodeServiceClient {
	return &storageNodeServiceClient{cc}
}

func (c *storageNodeServiceClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.cc.Invoke(ctx, "/"+storageService+"/Get", in, out, CallOptions(opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *storageNodeServiceClient) Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.cc.Invoke(ctx, "/"+storageService+"/Put", in, out, CallOptions(opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *storageNodeServiceClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.cc.Invoke(ctx, "/"+storageService+"/Delete", in, out, CallOptions(opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *storageNodeServiceClient) Apply(ctx context.Context, in *ReplicationMessage, opts ...grpc.CallOption) (*ApplyResponse, error) {
	out := new(ApplyResponse)
	if err := c.cc.Invoke(ctx, "/"+storageService+"/Apply", in, out, CallOptions(opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}
