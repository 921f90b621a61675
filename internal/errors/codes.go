package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for cache operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument   ErrorCode = 1000
	ErrCodeKeyNotFound       ErrorCode = 1001
	ErrCodeSizeLimitExceeded ErrorCode = 1002
	ErrCodeCapacityExceeded  ErrorCode = 1003
	ErrCodeChecksumFailed    ErrorCode = 1006

	// Server errors (5xx equivalent)
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeUnavailable        ErrorCode = 2001
	ErrCodeStoreAccess        ErrorCode = 2002
	ErrCodeReplicationTimeout ErrorCode = 2003
	ErrCodeFailoverInProgress ErrorCode = 2004
	ErrCodeCorruptedData      ErrorCode = 2007
)

// String returns the symbolic name of the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "InvalidArgument"
	case ErrCodeKeyNotFound:
		return "KeyNotFound"
	case ErrCodeSizeLimitExceeded:
		return "SizeLimitExceeded"
	case ErrCodeCapacityExceeded:
		return "CapacityExceeded"
	case ErrCodeChecksumFailed:
		return "ChecksumFailed"
	case ErrCodeUnavailable:
		return "Unavailable"
	case ErrCodeStoreAccess:
		return "StoreAccess"
	case ErrCodeReplicationTimeout:
		return "ReplicationTimeout"
	case ErrCodeFailoverInProgress:
		return "FailoverInProgress"
	case ErrCodeCorruptedData:
		return "CorruptedData"
	default:
		return "Internal"
	}
}

// CacheError represents a structured error with code and context
type CacheError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the fault is transient. Replication and failover
// faults are transient; sizing, capacity and local store faults are not.
func (e *CacheError) Retryable() bool {
	switch e.Code {
	case ErrCodeUnavailable, ErrCodeReplicationTimeout, ErrCodeFailoverInProgress:
		return true
	default:
		return false
	}
}

// ToGRPCStatus converts CacheError to gRPC status
func (e *CacheError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), fmt.Sprintf("%d|%s", e.Code, e.Error()))
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *CacheError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeSizeLimitExceeded:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeCapacityExceeded:
		return codes.ResourceExhausted
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable, ErrCodeFailoverInProgress:
		return codes.Unavailable
	case ErrCodeReplicationTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// FromGRPCError rebuilds a CacheError from an error returned by a gRPC call.
// Transport level failures without a cache code become Unavailable.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Unavailable("transport failure", err)
	}
	if codeStr, msg, found := strings.Cut(st.Message(), "|"); found {
		if code, convErr := strconv.Atoi(codeStr); convErr == nil {
			return NewCacheError(ErrorCode(code), msg, nil)
		}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return ReplicationTimeout(st.Message(), err)
	case codes.Unavailable, codes.Canceled:
		return Unavailable(st.Message(), err)
	default:
		return InternalError(st.Message(), err)
	}
}

// NewCacheError creates a new CacheError
func NewCacheError(code ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(key string) *CacheError {
	return NewCacheError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func SizeLimitExceeded(limit string, bound int64, cause error) *CacheError {
	return NewCacheError(ErrCodeSizeLimitExceeded, fmt.Sprintf("size computation exceeded %s limit %d", limit, bound), cause).
		WithDetail("limit", limit).
		WithDetail("bound", bound)
}

func CapacityExceeded(required, capacity int64) *CacheError {
	return NewCacheError(ErrCodeCapacityExceeded, fmt.Sprintf("cannot fit %d bytes within capacity %d", required, capacity), nil).
		WithDetail("required", required).
		WithDetail("capacity", capacity)
}

func StoreAccess(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeStoreAccess, message, cause)
}

func ReplicationTimeout(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeReplicationTimeout, message, cause)
}

func FailoverInProgress(nodeID string) *CacheError {
	return NewCacheError(ErrCodeFailoverInProgress, fmt.Sprintf("failover in progress on node %s", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func Unavailable(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeUnavailable, message, cause)
}

func ChecksumFailed(expected, actual uint32) *CacheError {
	return NewCacheError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInternal, message, cause)
}

func CorruptedData(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeCorruptedData, message, cause)
}

// IsCacheError checks if an error is, or wraps, a CacheError
func IsCacheError(err error) bool {
	var ce *CacheError
	return stderrors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err carries a transient cache code
func IsRetryable(err error) bool {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}
