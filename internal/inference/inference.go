// Package inference defines the vision-inference capability used by the
// classification flow and its OpenAI-backed implementation.
package inference

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the category a detailed identification is requested for.
type Kind string

const (
	KindPlant  Kind = "plant"
	KindFungus Kind = "fungus"
)

// Valid reports whether k is one of the identifiable kinds.
func (k Kind) Valid() bool {
	return k == KindPlant || k == KindFungus
}

// Client exposes the two inference operations used by the classification flow.
// Both take a base64 payload (without data URL prefix) and its media type.
type Client interface {
	// Classify asks for a coarse plant / fungus / else label as free text.
	Classify(ctx context.Context, imageBase64, mediaType string) (string, error)
	// Identify asks for common name, scientific name, reference link and basic
	// information about a plant or fungus. The text is returned untouched.
	Identify(ctx context.Context, imageBase64, mediaType string, kind Kind) (string, error)
}

// ErrEmptyResponse is returned when the service answers without any completion.
var ErrEmptyResponse = errors.New("inference service returned no choices")

// ErrEmptyContent is returned when the completion carries no text, as with a
// refusal or a null content field.
var ErrEmptyContent = errors.New("inference service returned empty content")

// Error is any failure of the external inference capability: transport,
// authentication or a malformed answer.
type Error struct {
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("inference %s: %v", e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsError reports whether err came from the inference capability.
func IsError(err error) bool {
	var infErr *Error
	return errors.As(err, &infErr)
}

// DataURL formats a base64 payload as an RFC 2397 data URL.
func DataURL(mediaType, imageBase64 string) string {
	return fmt.Sprintf("data:%s;base64,%s", mediaType, imageBase64)
}
