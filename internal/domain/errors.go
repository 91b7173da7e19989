package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared across subsystems.
var (
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrUnavailable  = fmt.Errorf("service unavailable")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrEncryption = fmt.Errorf("encryption operation failed")
	ErrCacheStore = fmt.Errorf("payload cache operation failed")
	ErrDiscovery  = fmt.Errorf("gateway discovery failed")

	// Gateway RPC errors. Every failed gateway call wraps exactly one of these.
	ErrGatewayConfig      = fmt.Errorf("gateway credentials not configured")
	ErrGatewayConnection  = fmt.Errorf("gateway connection failed")
	ErrGatewayAuth        = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrGatewayRemote      = fmt.Errorf("gateway request rejected")
	ErrGatewayTimeout     = fmt.Errorf("gateway: %w", ErrTimeout)
	ErrGatewayUnavailable = fmt.Errorf("gateway: %w", ErrUnavailable)

	// ErrFrameParse is recovered locally by the correlator and never reaches callers.
	ErrFrameParse = fmt.Errorf("malformed gateway frame")
)

// DefaultRemoteMessage is used when a rejected response carries no error message.
const DefaultRemoteMessage = "gateway error"

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Gateway.Call")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RemoteError is a rejection reported by the gateway in a response frame.
// Kind is ErrGatewayAuth for a rejected handshake and ErrGatewayRemote otherwise.
type RemoteError struct {
	Kind    error
	Code    string
	Message string
	Details []byte // raw JSON, may be nil
}

// Error returns the remote message verbatim so callers can show it to users.
func (e *RemoteError) Error() string {
	if e.Message == "" {
		return DefaultRemoteMessage
	}
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	if e.Kind == nil {
		return ErrGatewayRemote
	}
	return e.Kind
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrGatewayConnection) || errors.Is(err, ErrGatewayTimeout)
}

// ErrorCode is a machine-parseable error category for API responses and logs.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeUnavailable        ErrorCode = "UNAVAILABLE"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeCacheStore         ErrorCode = "CACHE_STORE"
	CodeDiscovery          ErrorCode = "DISCOVERY"
	CodeGatewayConfig      ErrorCode = "GATEWAY_CONFIG"
	CodeGatewayConnection  ErrorCode = "GATEWAY_CONNECTION"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeGatewayRemote      ErrorCode = "GATEWAY_REMOTE"
	CodeGatewayTimeout     ErrorCode = "GATEWAY_TIMEOUT"
	CodeGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"
	CodeFrameParse         ErrorCode = "FRAME_PARSE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrTimeout:            CodeTimeout,
	ErrInvalidInput:       CodeInvalidInput,
	ErrUnavailable:        CodeUnavailable,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrEncryption:         CodeEncryption,
	ErrCacheStore:         CodeCacheStore,
	ErrDiscovery:          CodeDiscovery,
	ErrGatewayConfig:      CodeGatewayConfig,
	ErrGatewayConnection:  CodeGatewayConnection,
	ErrGatewayAuth:        CodeGatewayAuth,
	ErrGatewayRemote:      CodeGatewayRemote,
	ErrGatewayTimeout:     CodeGatewayTimeout,
	ErrGatewayUnavailable: CodeGatewayUnavailable,
	ErrFrameParse:         CodeFrameParse,
}

// precedence lists the sentinels from most to least specific. Gateway sentinels
// wrap category sentinels, so they must be tested first.
var precedence = []error{
	ErrGatewayConfig,
	ErrGatewayConnection,
	ErrGatewayAuth,
	ErrGatewayRemote,
	ErrGatewayTimeout,
	ErrGatewayUnavailable,
	ErrFrameParse,
	ErrConfigLoad,
	ErrDecryption,
	ErrEncryption,
	ErrCacheStore,
	ErrDiscovery,
	ErrTimeout,
	ErrInvalidInput,
	ErrUnavailable,
	ErrAuthInvalid,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range precedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
