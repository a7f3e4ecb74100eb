package protocol

import "fmt"

// JSON-RPC 2.0 protocol error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Cauce domain error codes live in the JSON-RPC server-reserved range.
const (
	CodeAuthFailed               = -32000
	CodeForbidden                = -32001
	CodeRateLimited              = -32002
	CodeNotFound                 = -32003
	CodeInvalidSubscriptionState = -32004
	CodeSessionNotFound          = -32005
	CodeSessionExpired           = -32006
	CodePayloadTooLarge          = -32007
	CodeLimitExceeded            = -32008
	CodeInvalidTopicPattern      = -32009
	CodeIncompatibleVersion      = -32010
)

// Error is a JSON-RPC error object. It doubles as a Go error so handlers can
// return it directly and transports can serialize it without translation.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func NewRPCError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of the error carrying extra structured context.
func (e *Error) WithData(key string, value any) *Error {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// RateLimitedError builds the rate_limited error with the retry hint clients
// use to schedule their next attempt.
func RateLimitedError(retryAfterMillis int64) *Error {
	return (&Error{Code: CodeRateLimited, Message: "rate limited"}).
		WithData("retry_after_ms", retryAfterMillis)
}
