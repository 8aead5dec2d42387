package errors

// ResultCode is the outcome reported to clients of the store.
type ResultCode string

const (
	ResultOK                   ResultCode = "OK"
	ResultNotFound             ResultCode = "NotFound"
	ResultQuorumUnavailable    ResultCode = "QuorumUnavailable"
	ResultPartitionUnavailable ResultCode = "PartitionUnavailable"
	ResultVersionConflict      ResultCode = "VersionConflict"
	ResultInvalidArgument      ResultCode = "InvalidArgument"
	ResultInternal             ResultCode = "Internal"
)

// ResultOf classifies err into a client result code.
func ResultOf(err error) ResultCode {
	switch GetCode(err) {
	case ErrCodeOK:
		return ResultOK
	case ErrCodeNotFound:
		return ResultNotFound
	case ErrCodeVersionConflict:
		return ResultVersionConflict
	case ErrCodeQuorumUnavailable, ErrCodeUnavailable:
		return ResultQuorumUnavailable
	case ErrCodePartitionUnavailable, ErrCodeStaleSnapshot, ErrCodeMetadataUnavailable:
		return ResultPartitionUnavailable
	case ErrCodeInvalidArgument:
		return ResultInvalidArgument
	default:
		return ResultInternal
	}
}
