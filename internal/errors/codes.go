package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for key-value operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Outcomes reported to clients
	ErrCodeNotFound             ErrorCode = 1001
	ErrCodeVersionConflict      ErrorCode = 1002
	ErrCodeQuorumUnavailable    ErrorCode = 1003
	ErrCodePartitionUnavailable ErrorCode = 1004

	// Request errors
	ErrCodeInvalidArgument ErrorCode = 1100
	ErrCodeUnknownNode     ErrorCode = 1101
	ErrCodeNodeDead        ErrorCode = 1102
	ErrCodeChecksumFailed  ErrorCode = 1103

	// Server errors
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeUnavailable         ErrorCode = 2001
	ErrCodeCommitLogFailed     ErrorCode = 2002
	ErrCodeMetadataUnavailable ErrorCode = 2003
	ErrCodeStaleSnapshot       ErrorCode = 2004
	ErrCodeCorruptedData       ErrorCode = 2005
)

var (
	ErrNotFound             = errors.New("not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrQuorumUnavailable    = errors.New("quorum unavailable")
	ErrPartitionUnavailable = errors.New("partition unavailable")
	ErrUnknownNode          = errors.New("unknown node")
	ErrNodeDead             = errors.New("node is dead")
	ErrMetadataUnavailable  = errors.New("metadata unavailable")
	ErrInvalidArgument      = errors.New("invalid argument")
)

var sentinels = map[ErrorCode]error{
	ErrCodeNotFound:             ErrNotFound,
	ErrCodeVersionConflict:      ErrVersionConflict,
	ErrCodeQuorumUnavailable:    ErrQuorumUnavailable,
	ErrCodePartitionUnavailable: ErrPartitionUnavailable,
	ErrCodeUnknownNode:          ErrUnknownNode,
	ErrCodeNodeDead:             ErrNodeDead,
	ErrCodeMetadataUnavailable:  ErrMetadataUnavailable,
	ErrCodeStaleSnapshot:        ErrPartitionUnavailable,
	ErrCodeInvalidArgument:      ErrInvalidArgument,
}

// KVError represents a structured error with code and context
type KVError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *KVError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *KVError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match a KVError against the sentinel for its code.
func (e *KVError) Is(target error) bool {
	if s, ok := sentinels[e.Code]; ok && s == target {
		return true
	}
	if t, ok := target.(*KVError); ok {
		return t.Code == e.Code
	}
	return false
}

// ToGRPCStatus converts KVError to gRPC status
func (e *KVError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *KVError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotFound, ErrCodeUnknownNode:
		return codes.NotFound
	case ErrCodeVersionConflict:
		return codes.Aborted
	case ErrCodeNodeDead, ErrCodePartitionUnavailable, ErrCodeStaleSnapshot:
		return codes.FailedPrecondition
	case ErrCodeQuorumUnavailable, ErrCodeUnavailable, ErrCodeMetadataUnavailable:
		return codes.Unavailable
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the code to the status returned by the HTTP API.
func (e *KVError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeVersionConflict:
		return http.StatusConflict
	case ErrCodeQuorumUnavailable, ErrCodePartitionUnavailable, ErrCodeStaleSnapshot,
		ErrCodeUnavailable, ErrCodeMetadataUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewKVError creates a new KVError
func NewKVError(code ErrorCode, message string, cause error) *KVError {
	return &KVError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *KVError) WithDetail(key string, value interface{}) *KVError {
	e.Details[key] = value
	return e
}

func NotFound(key []byte) *KVError {
	return NewKVError(ErrCodeNotFound, fmt.Sprintf("key not found: %q", key), nil).
		WithDetail("key", string(key))
}

// VersionConflict reports a put whose version was not current+1.
func VersionConflict(key []byte, current, proposed uint64) *KVError {
	return NewKVError(ErrCodeVersionConflict,
		fmt.Sprintf("version conflict on %q: current %d, proposed %d", key, current, proposed), nil).
		WithDetail("current", current).
		WithDetail("proposed", proposed)
}

func QuorumUnavailable(required, acked, timedOut int) *KVError {
	return NewKVError(ErrCodeQuorumUnavailable,
		fmt.Sprintf("quorum unavailable: %d of %d required acks (%d timed out)", acked, required, timedOut), nil).
		WithDetail("required", required).
		WithDetail("acked", acked).
		WithDetail("timed_out", timedOut)
}

func PartitionUnavailable(partitionID int) *KVError {
	return NewKVError(ErrCodePartitionUnavailable,
		fmt.Sprintf("partition %d has no active replicas", partitionID), nil).
		WithDetail("partition_id", partitionID)
}

func StaleSnapshot(age string, cause error) *KVError {
	return NewKVError(ErrCodeStaleSnapshot, "cached snapshot exceeded staleness window", cause).
		WithDetail("age", age)
}

func UnknownNode(nodeID string) *KVError {
	return NewKVError(ErrCodeUnknownNode, fmt.Sprintf("unknown node: %s", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func NodeDead(nodeID string) *KVError {
	return NewKVError(ErrCodeNodeDead, fmt.Sprintf("node %s is dead", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func InvalidArgument(message string, cause error) *KVError {
	return NewKVError(ErrCodeInvalidArgument, message, cause)
}

func ChecksumFailed(expected, actual uint32) *KVError {
	return NewKVError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *KVError {
	return NewKVError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *KVError {
	return NewKVError(ErrCodeUnavailable, message, cause)
}

func MetadataUnavailable(cause error) *KVError {
	return NewKVError(ErrCodeMetadataUnavailable, "metadata service unavailable", cause)
}

func CommitLogFailed(message string, cause error) *KVError {
	return NewKVError(ErrCodeCommitLogFailed, message, cause)
}

func CorruptedData(message string, cause error) *KVError {
	return NewKVError(ErrCodeCorruptedData, message, cause)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var kv *KVError
	if errors.As(err, &kv) {
		return kv.Code
	}
	for code, s := range sentinels {
		if code != ErrCodeStaleSnapshot && errors.Is(err, s) {
			return code
		}
	}
	return ErrCodeInternal
}

// CurrentVersion returns the current version carried by a version conflict.
func CurrentVersion(err error) (uint64, bool) {
	var kv *KVError
	if !errors.As(err, &kv) || kv.Code != ErrCodeVersionConflict {
		return 0, false
	}
	v, ok := kv.Details["current"].(uint64)
	return v, ok
}

// FromGRPC converts an error returned by a gRPC call into a KVError. Deadline
// errors map to Unavailable with timed_out set so callers can count them as
// missed votes.
func FromGRPC(err error) *KVError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return InternalError("rpc failed", err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return Unavailable("rpc timed out", err).WithDetail("timed_out", true)
	case codes.NotFound:
		return NewKVError(ErrCodeNotFound, st.Message(), nil)
	case codes.Aborted:
		return NewKVError(ErrCodeVersionConflict, st.Message(), nil)
	case codes.InvalidArgument:
		return InvalidArgument(st.Message(), nil)
	case codes.Unavailable:
		return Unavailable(st.Message(), err)
	default:
		return InternalError(st.Message(), err)
	}
}

// IsTimeout reports whether err means the peer did not answer in time.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var kv *KVError
	if errors.As(err, &kv) {
		if t, _ := kv.Details["timed_out"].(bool); t {
			return true
		}
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.DeadlineExceeded {
		return true
	}
	return false
}
