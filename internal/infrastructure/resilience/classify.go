// Package resilience contains the failure-containment machinery shared by
// every upstream call: a closed error taxonomy, per-service circuit breakers,
// and a bounded retry policy. Components here hold no business logic; they
// decide only whether and when a call may be attempted.
package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

// Class is the closed error taxonomy driving retry and fallback decisions
type Class string

const (
	// ClassTransient marks failures worth retrying: rate limits, server
	// errors, network faults, timeouts
	ClassTransient Class = "transient"
	// ClassPermanent marks failures retrying cannot fix
	ClassPermanent Class = "permanent"
	// ClassAuth marks rejected or missing credentials
	ClassAuth Class = "auth"
	// ClassSchemaChange marks responses that parse but no longer match the
	// expected structure
	ClassSchemaChange Class = "schema_change"
	// ClassBotChallenge marks responses matching bot-detection signatures
	ClassBotChallenge Class = "bot_challenge"
)

// IsValid returns true if the class is valid
func (c Class) IsValid() bool {
	switch c {
	case ClassTransient, ClassPermanent, ClassAuth, ClassSchemaChange, ClassBotChallenge:
		return true
	default:
		return false
	}
}

// String returns the string representation of Class
func (c Class) String() string {
	return string(c)
}

// Retryable reports whether the retry policy may re-attempt this class
func (c Class) Retryable() bool {
	return c == ClassTransient
}

// ClassifiedError wraps an upstream failure with its service, operation and
// class. Nothing unclassified crosses the orchestrator boundary.
type ClassifiedError struct {
	// Service is the upstream service name (breaker key)
	Service string
	// Op is the logical operation that failed
	Op string
	// Class is the taxonomy bucket
	Class Class
	// Fingerprint is a stable response fingerprint for schema-change and
	// bot-challenge failures, empty otherwise
	Fingerprint string
	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Service, e.Op, e.Class, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Service, e.Op, e.Class)
}

// Unwrap returns the underlying cause
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// NewClassified creates a classified error
func NewClassified(service, op string, class Class, cause error) *ClassifiedError {
	return &ClassifiedError{Service: service, Op: op, Class: class, Cause: cause}
}

// NewSchemaChange creates a schema-change error carrying a response
// fingerprint so upstream drift stays diagnosable.
func NewSchemaChange(service, op, fingerprint string, cause error) *ClassifiedError {
	return &ClassifiedError{Service: service, Op: op, Class: ClassSchemaChange, Fingerprint: fingerprint, Cause: cause}
}

// ClassOf extracts the class from an error chain. Unclassified errors
// report ok=false; callers needing a default use EnsureClassified.
func ClassOf(err error) (Class, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return "", false
}

// EnsureClassified returns err's ClassifiedError, or wraps it using the
// default transport rules when it is raw.
func EnsureClassified(service, op string, err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return NewClassified(service, op, ClassifyErr(err), err)
}

// ClassifyErr classifies a transport-level error (no response received).
// Timeouts and network faults are transient; context cancellation is
// transient because the caller's deadline, not the upstream, expired.
func ClassifyErr(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ClassTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ClassTransient
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return ClassTransient
	}
	return ClassPermanent
}

// ClassifyStatus classifies an HTTP response by status alone, without
// bot-signature inspection. Callers with the full response use ClassifyHTTP.
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ClassAuth
	case status >= 400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// ClassifyHTTP classifies a received HTTP response. Bot-challenge signatures
// take precedence over the status rules: a challenge page often arrives as a
// 403 or 503 that would otherwise read as auth or transient.
func ClassifyHTTP(status int, header http.Header, body []byte) Class {
	if _, ok := BotChallengeSignature(status, header, body); ok {
		return ClassBotChallenge
	}
	return ClassifyStatus(status)
}

// Bot-detection vendors leave recognizable traces in challenge responses.
var botBodyMarkers = []string{
	"cf-browser-verification",
	"cf_chl_opt",
	"just a moment...",
	"checking your browser",
	"px-captcha",
	"_pxhd",
	"datadome",
	"geo.captcha-delivery.com",
	"distil_r_captcha",
	"pardon our interruption",
	"grecaptcha",
	"h-captcha",
	"are you a robot",
}

var botRedirectMarkers = []string{
	"/challenge",
	"__cf_chl",
	"captcha",
	"datadome",
	"px-captcha",
}

// BotChallengeSignature inspects a response for bot-detection traces and
// returns a stable fingerprint when one matches. The fingerprint combines
// status, the matched marker and a truncated body hash so repeated
// challenges from the same vendor collapse to one signature in logs.
func BotChallengeSignature(status int, header http.Header, body []byte) (string, bool) {
	marker := ""

	if loc := header.Get("Location"); loc != "" && (status == http.StatusFound || status == http.StatusMovedPermanently || status == http.StatusSeeOther || status == http.StatusTemporaryRedirect) {
		lower := strings.ToLower(loc)
		for _, m := range botRedirectMarkers {
			if strings.Contains(lower, m) {
				marker = "redirect:" + m
				break
			}
		}
	}

	if marker == "" && header.Get("cf-mitigated") != "" {
		marker = "header:cf-mitigated"
	}

	if marker == "" && (status == http.StatusForbidden || status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests) {
		lower := strings.ToLower(string(body))
		for _, m := range botBodyMarkers {
			if strings.Contains(lower, m) {
				marker = "body:" + m
				break
			}
		}
	}

	if marker == "" {
		return "", false
	}
	return Fingerprint(status, marker, body), true
}

// Fingerprint builds the stable response fingerprint logged with
// schema-change and bot-challenge failures.
func Fingerprint(status int, marker string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%d:%s:%s", status, marker, hex.EncodeToString(sum[:8]))
}
