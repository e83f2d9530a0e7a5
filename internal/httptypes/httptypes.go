// Package httptypes holds the wire format all API error responses share
package httptypes

import "fmt"

type StandardError struct {
	Message string       `json:"message"`
	Code    string       `json:"code"`
	Fields  []FieldError `json:"fields" binding:"required"`
}

// StandardErrorResponse is the envelope every error response from the API
// conforms to
type StandardErrorResponse struct {
	ErrorField StandardError `json:"error"`
}

func (s StandardErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", s.ErrorField.Code, s.ErrorField.Message)
}

func (s StandardErrorResponse) Is(err error) bool {
	if stdErr, ok := err.(StandardErrorResponse); ok {
		return stdErr.ErrorField.Code == s.ErrorField.Code
	}
	return s.Error() == err.Error()
}

// FieldError describes a single invalid request field
type FieldError struct {
	Field   string `json:"field" binding:"required"`
	Message string `json:"message" binding:"required"`
	Code    string `json:"code" binding:"required"`
}
