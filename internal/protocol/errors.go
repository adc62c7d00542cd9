package protocol

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeMalformedMessage         ErrorCode = "E_MALFORMED_MESSAGE"
	CodeStaleDecision            ErrorCode = "E_STALE_DECISION"
	CodeInsufficientConfirmation ErrorCode = "E_INSUFFICIENT_CONFIRMATION"
	CodeRPCTimeout               ErrorCode = "E_RPC_TIMEOUT"
	CodeDispatchFailed           ErrorCode = "E_DISPATCH_FAILED"
	CodeTransportLost            ErrorCode = "E_TRANSPORT_LOST"
	CodeReasoningFailed          ErrorCode = "E_REASONING_FAILED"
	CodeSessionBusy              ErrorCode = "E_SESSION_BUSY"
	CodeInternal                 ErrorCode = "E_INTERNAL"
)

// JSON-RPC error codes.
const (
	RPCParseError      = -32700
	RPCInvalidRequest  = -32600
	RPCMethodNotFound  = -32601
	RPCInvalidParams   = -32602
	RPCInternalError   = -32603
	RPCExecutionFailed = -32000
	RPCPolicyViolation = -32001
)

// Coder is implemented by errors that map onto a stable wire code.
type Coder interface {
	error
	Code() ErrorCode
	Recoverable() bool
}

type codedError struct {
	code        ErrorCode
	message     string
	recoverable bool
}

func (e *codedError) Error() string     { return e.message }
func (e *codedError) Code() ErrorCode   { return e.code }
func (e *codedError) Recoverable() bool { return e.recoverable }

// NewSentinel returns a comparable sentinel error carrying a wire code.
func NewSentinel(code ErrorCode, message string, recoverable bool) error {
	return &codedError{code: code, message: message, recoverable: recoverable}
}

var (
	ErrMalformedMessage = NewSentinel(CodeMalformedMessage, "malformed message", true)
	ErrTransportLost    = NewSentinel(CodeTransportLost, "transport lost", false)
)

// RPCError is the error member of a JSON-RPC response. It doubles as a Go error
// so callers waiting on a pending call can inspect the remote failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorFromErr builds the wire error envelope for err.
func ErrorFromErr(sessionID string, err error) ErrorMessage {
	msg := ErrorMessage{
		Code:        CodeInternal,
		Message:     "internal error",
		Recoverable: true,
		SessionID:   sessionID,
	}
	if err == nil {
		return msg
	}
	msg.Message = err.Error()

	var coder Coder
	if errors.As(err, &coder) {
		msg.Code = coder.Code()
		msg.Recoverable = coder.Recoverable()
		return msg
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		msg.Code = CodeDispatchFailed
		msg.Details = map[string]any{"rpc_code": rpcErr.Code}
	}
	return msg
}
