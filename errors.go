package twetch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samooth/twetch-go/gateway"
	"github.com/samooth/twetch-go/types"
)

// ClientError is an error raised by the publish pipeline.
type ClientError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeSchemaUnavailable      = "SCHEMA_UNAVAILABLE"
	ErrCodeEncoding               = "ENCODING_ERROR"
	ErrCodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	ErrCodeUpstream               = "UPSTREAM_ERROR"
	ErrCodeUnauthenticated        = "UNAUTHENTICATED"
	ErrCodeRemoteValidation       = "REMOTE_VALIDATION"
	ErrCodeInsufficientFunds      = "INSUFFICIENT_FUNDS"
	ErrCodeTransport              = "TRANSPORT"
	ErrCodeInvalidConfig          = "INVALID_CONFIG"
)

// Result messages fixed by the error taxonomy.
const (
	MessageUnauthenticated   = "unauthenticated"
	MessageUpstream          = "something went wrong"
	MessageInsufficientFunds = "insufficient funds"
)

// NewClientError creates a new ClientError.
func NewClientError(code, message string, cause error) *ClientError {
	return &ClientError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsClientError checks if err is or wraps a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// GetErrorCode extracts the code of the outermost ClientError in err.
func GetErrorCode(err error) string {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Codes raised before any remote answer is interpreted. They keep their code
// even when they wrap a gateway error.
var localCodes = map[string]bool{
	ErrCodeSchemaUnavailable:      true,
	ErrCodeEncoding:               true,
	ErrCodeAuthenticationRequired: true,
	ErrCodeInvalidConfig:          true,
}

// resultFromError maps err onto the result taxonomy.
func resultFromError(err error) *Result {
	res := &Result{}
	code := GetErrorCode(err)

	if gwErr, ok := gateway.AsError(err); ok {
		switch {
		case len(gwErr.Errors) > 0:
			res.Error = strings.Join(gwErr.Errors, ", ")
			res.Code = ErrCodeRemoteValidation
		case gwErr.IsUnauthorized():
			res.Error = MessageUnauthenticated
			res.Code = ErrCodeUnauthenticated
		default:
			res.Error = MessageUpstream
			res.Code = ErrCodeUpstream
		}
	} else if errors.Is(err, types.ErrInsufficientFunds) || code == ErrCodeInsufficientFunds {
		res.Error = MessageInsufficientFunds
		res.Code = ErrCodeInsufficientFunds
	} else {
		res.Error = err.Error()
		res.Code = code
		if res.Code == "" {
			res.Code = ErrCodeTransport
		}
	}

	if localCodes[code] {
		res.Code = code
	}
	return res
}
