package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is a failed remote call. Errors holds the server's `errors` array
// when the response carried one.
type Error struct {
	Op         string
	StatusCode int
	Errors     []string
	Body       string
}

func (e *Error) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("%s returned status %d: %s", e.Op, e.StatusCode, strings.Join(e.Errors, ", "))
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsUnauthorized reports a 401 response.
func (e *Error) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// AsError unwraps err to a *Error.
func AsError(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

func newError(op string, status int, body []byte) *Error {
	e := &Error{Op: op, StatusCode: status, Body: string(body)}

	// The API answers with either {"errors": ["..."]} or a GraphQL style
	// {"errors": [{"message": "..."}]}.
	var payload struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return e
	}
	for _, raw := range payload.Errors {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			e.Errors = append(e.Errors, s)
			continue
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
			e.Errors = append(e.Errors, obj.Message)
		}
	}
	return e
}
