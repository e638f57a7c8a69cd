package voiceerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// Kind identifies a classified failure
type Kind string

const (
	KindNoMicrophone     Kind = "NO_MICROPHONE"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindInvalidAPIKey    Kind = "INVALID_API_KEY"
	KindAPIError         Kind = "API_ERROR"
	KindNetworkError     Kind = "NETWORK_ERROR"
	KindPostProcessing   Kind = "POST_PROCESSING_ERROR"
)

// Error is the classified error shown to the user. Code is only set for KindAPIError.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// Err is the raw error the classification was derived from (may be nil)
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Kind == KindAPIError {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the raw error
func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage renders the text presented to the user for this error
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNoMicrophone:
		return "No microphone found. Please connect a microphone and try again."
	case KindPermissionDenied:
		return "Microphone access denied. Please grant microphone permission and try again."
	case KindInvalidAPIKey:
		return "Invalid OpenAI API key. Please check your settings and try again."
	case KindAPIError:
		return fmt.Sprintf("OpenAI API error (%s): %s", e.Code, e.Message)
	case KindNetworkError:
		return fmt.Sprintf("Network error: %s. Please check your internet connection.", e.Message)
	case KindPostProcessing:
		return fmt.Sprintf("Post-processing failed: %s. Saved raw transcription only.", e.Message)
	default:
		return "An unknown error occurred"
	}
}

// NoMicrophone is raised by the capture engine when no capture device exists
func NoMicrophone(err error) *Error {
	return &Error{Kind: KindNoMicrophone, Message: "no microphone found", Err: err}
}

// PermissionDenied is raised by the capture engine when the platform refuses access
func PermissionDenied(err error) *Error {
	return &Error{Kind: KindPermissionDenied, Message: "microphone access denied", Err: err}
}

// Is reports whether err carries a classified error of the given kind
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Describe returns a user-facing message for any error. Classified errors use
// their own message, anything else falls back to its text.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.UserMessage()
	}
	return err.Error()
}

const (
	msgInvalidKey  = "Invalid or missing API key"
	msgRateLimit   = "Rate limit exceeded. Please wait a moment and try again."
	msgBadModel    = "Invalid chat model. Please check your settings."
	msgUnavailable = "OpenAI service is temporarily unavailable. Please try again later."
	msgUnreachable = "Unable to reach OpenAI servers. Please check your internet connection."
	msgStructuring = "An error occurred while structuring text"
	msgTranscribe  = "An error occurred while transcribing audio"
)

// Classify maps a raw transport or service failure to a classified error.
// Status signals are resolved before network signals; postProcessing only picks
// the kind among the overlapping branches.
func Classify(err error, postProcessing bool) *Error {
	status := StatusOf(err)

	switch {
	case status == 401 || status == 403:
		return &Error{Kind: KindInvalidAPIKey, Message: msgInvalidKey, Err: err}
	case status == 429:
		return contextual(postProcessing, "429", msgRateLimit, err)
	case status == 404 && postProcessing:
		return &Error{Kind: KindPostProcessing, Message: msgBadModel, Err: err}
	case status >= 500:
		return contextual(postProcessing, strconv.Itoa(status), msgUnavailable, err)
	case isNetworkSignal(err):
		return &Error{Kind: KindNetworkError, Message: msgUnreachable, Err: err}
	}

	if postProcessing {
		return &Error{Kind: KindPostProcessing, Message: rawMessage(err, msgStructuring), Err: err}
	}
	code := "UNKNOWN"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	return &Error{Kind: KindAPIError, Code: code, Message: rawMessage(err, msgTranscribe), Err: err}
}

func contextual(postProcessing bool, code, msg string, err error) *Error {
	if postProcessing {
		return &Error{Kind: KindPostProcessing, Message: msg, Err: err}
	}
	return &Error{Kind: KindAPIError, Code: code, Message: msg, Err: err}
}

// StatusOf returns the HTTP-like status carried anywhere in the error chain, or 0
func StatusOf(err error) int {
	var s interface{ HTTPStatus() int }
	if errors.As(err, &s) {
		return s.HTTPStatus()
	}
	return 0
}

func isNetworkSignal(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func rawMessage(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	var m interface{ RawMessage() string }
	if errors.As(err, &m) && m.RawMessage() != "" {
		return m.RawMessage()
	}
	return err.Error()
}
