package problems

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Base returns the base URL for problem type identifiers.
// Order of precedence:
// 1. PROBLEM_BASE_URL (exact base, e.g. https://mydomain.com/problems)
// 2. BASE_PUBLIC_URL + "/problems" (if set)
// 3. https://example.com/problems (fallback)
func Base() string {
	if b := os.Getenv("PROBLEM_BASE_URL"); b != "" {
		return strings.TrimRight(b, "/")
	}
	if b := os.Getenv("BASE_PUBLIC_URL"); b != "" {
		return strings.TrimRight(b, "/") + "/problems"
	}
	return "https://example.com/problems"
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }

// Kind classifies a failure for the gateway boundary.
type Kind string

const (
	KindCredentialNotFound Kind = "credential_not_found"
	KindDecryption         Kind = "decryption"
	KindAuthentication     Kind = "authentication"
	KindUpstream           Kind = "upstream"
	KindTimeout            Kind = "timeout"
	KindMalformedResponse  Kind = "malformed_response"
	KindInvalidRequest     Kind = "invalid_request"
	KindForbidden          Kind = "forbidden"
	KindInternal           Kind = "internal"
)

// Error carries a Kind plus the operation that failed. Status and Body are
// only set for failures reported by a remote endpoint.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Status  int
	Body    string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Kind, e.Op, e.Message)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches kind/op to err. Errors that already carry a Kind keep it, and
// context deadline/cancellation always becomes KindTimeout.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

// Remote builds an error for a non-2xx reply from a remote endpoint.
func Remote(kind Kind, op string, status int, body string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf("remote endpoint returned %d", status),
		Status:  status,
		Body:    truncate(body, 2048),
	}
}

// KindOf returns the Kind of the first *Error in the chain. Bare context
// errors map to KindTimeout, anything else to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

var codes = map[Kind]string{
	KindCredentialNotFound: "TENANT_NOT_FOUND",
	KindDecryption:         "DECRYPTION_FAILED",
	KindAuthentication:     "AUTHENTICATION_FAILED",
	KindUpstream:           "UPSTREAM_ERROR",
	KindTimeout:            "TIMEOUT",
	KindMalformedResponse:  "MALFORMED_RESPONSE",
	KindInvalidRequest:     "INVALID_REQUEST",
	KindForbidden:          "QUERY_FORBIDDEN",
	KindInternal:           "INTERNAL_ERROR",
}

// Code returns the stable wire code for a kind.
func Code(kind Kind) string {
	if c, ok := codes[kind]; ok {
		return c
	}
	return codes[KindInternal]
}

// HTTPStatus maps a kind to the status the HTTP surfaces answer with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindCredentialNotFound:
		return http.StatusNotFound
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream, KindMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Slug returns the problem type slug for a kind (e.g. "credential-not-found").
func Slug(kind Kind) string { return strings.ReplaceAll(string(kind), "_", "-") }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
