package slack

import (
	"fmt"
	"time"
)

// ErrorKind is the closed set of API failure categories the engine branches on.
type ErrorKind int

const (
	// KindTransient covers everything retryable with exponential backoff.
	KindTransient ErrorKind = iota
	// KindRateLimited means the service asked us to wait before retrying.
	KindRateLimited
	// KindAuth means the credential is unusable; retrying cannot help.
	KindAuth
	// KindValidation means the request itself was rejected (e.g. an emoji
	// name the destination workspace does not know); retrying cannot help,
	// and callers on best-effort paths treat it as non-fatal.
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	default:
		return "transient"
	}
}

// APIError is returned for any Slack API failure.
type APIError struct {
	Method string
	Code   string
	Kind   ErrorKind

	// RetryAfter is the server-directed wait, set only for KindRateLimited.
	// Negative means the server named no wait; zero is a real, immediate
	// retry instruction.
	RetryAfter time.Duration

	// StatusCode is the HTTP status, when the failure was at that layer.
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("slack %s failed: %s (%s)", e.Method, e.Code, e.Kind)
	}

	return fmt.Sprintf("slack %s failed: HTTP %d (%s)", e.Method, e.StatusCode, e.Kind)
}

// Retryable reports whether the retry loop may attempt the call again.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

var authErrorCodes = map[string]bool{
	"invalid_auth":     true,
	"account_inactive": true,
	"token_revoked":    true,
	"token_expired":    true,
	"not_authed":       true,
	"missing_scope":    true,
}

var validationErrorCodes = map[string]bool{
	"invalid_name":           true,
	"invalid_name_specials":  true,
	"invalid_name_maxlength": true,
	"no_reaction":            true,
	"already_reacted":        true,
	"name_taken":             true,
	"is_archived":            true,
	"cant_invite_self":       true,
}

// classifyCode maps a Slack error code to an ErrorKind.
func classifyCode(code string) ErrorKind {
	switch {
	case code == "rate_limited" || code == "ratelimited":
		return KindRateLimited
	case authErrorCodes[code]:
		return KindAuth
	case validationErrorCodes[code]:
		return KindValidation
	default:
		return KindTransient
	}
}
