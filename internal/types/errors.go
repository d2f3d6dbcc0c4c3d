package types

import "fmt"

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// DuplicateTagError: Tag existiert bereits im AddressSpace
type DuplicateTagError struct {
	Name string
}

func (e *DuplicateTagError) Error() string {
	return fmt.Sprintf("tag already registered: %s", e.Name)
}

type UnknownTagError struct {
	Name string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown tag: %s", e.Name)
}

// TypeMismatchError is returned when a written value does not match the tag kind.
type TypeMismatchError struct {
	Name     string
	Expected Kind
	Got      Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch for tag %s: expected %s, got %s", e.Name, e.Expected, e.Got)
}

// ConfigError covers missing sections, missing keys and invalid values.
type ConfigError struct {
	Section string
	Key     string
	Err     error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Key != "" && e.Err != nil:
		return fmt.Sprintf("config [%s] %s: %v", e.Section, e.Key, e.Err)
	case e.Key != "":
		return fmt.Sprintf("config [%s] missing key %s", e.Section, e.Key)
	case e.Err != nil:
		return fmt.Sprintf("config [%s]: %v", e.Section, e.Err)
	default:
		return fmt.Sprintf("config: missing section [%s]", e.Section)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ParseError: Adresse oder Wert konnte nicht geparst werden
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}
