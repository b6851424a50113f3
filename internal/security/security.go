// Package security implements the sandbox's pure security primitives:
// sandbox-ID sanitization, port validity checks, token generation, and
// structured security-event logging. These are intentionally dependency-free
// so every other package (files, ports, proxy, edge) can import them without
// pulling in HTTP or storage concerns.
package security

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Severity levels for security events.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ControlPlanePort is the well-known port the sandbox HTTP server listens on
// inside the container. It is never exposable and never token-validated.
const ControlPlanePort = 3000

// reservedPorts may never be exposed through the port registry, even though
// they otherwise fall in the valid range.
var reservedPorts = map[int]struct{}{
	22:   {},
	25:   {},
	53:   {},
	80:   {},
	443:  {},
	3000: {},
	3306: {},
	5432: {},
}

var sandboxIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// tokenAlphabet is the wire contract for generated tokens: lowercase
// alnum plus hyphen and underscore.
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789-_"

// TokenPattern validates an externally supplied token (e.g. a client-chosen
// expose-port token, or one parsed off a proxied request).
var TokenPattern = regexp.MustCompile(`^[a-z0-9_-]{16}$`)

// InvalidArgumentError marks a validation failure in SanitizeSandboxID.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string { return e.Reason }

// SanitizeSandboxID validates a sandbox ID against the DNS-label bound used
// by the edge router's hostname parsing: non-empty, at most 63 characters,
// and restricted to [A-Za-z0-9_-]. Returns the id unchanged on success.
func SanitizeSandboxID(id string) (string, error) {
	if id == "" {
		return "", &InvalidArgumentError{Reason: "sandbox id must not be empty"}
	}
	if len(id) > 63 {
		return "", &InvalidArgumentError{Reason: "sandbox id exceeds 63 characters"}
	}
	if !sandboxIDPattern.MatchString(id) {
		return "", &InvalidArgumentError{Reason: "sandbox id contains invalid characters"}
	}
	return id, nil
}

// ValidatePort reports whether p is a legal user-exposable port: in
// [1024, 65535] and not a member of the reserved set (which includes the
// control-plane port 3000).
func ValidatePort(p int) bool {
	if p < 1024 || p > 65535 {
		return false
	}
	_, reserved := reservedPorts[p]
	return !reserved
}

// GenerateToken returns a 16-character token drawn from a cryptographically
// secure source, using the alphabet [a-z0-9-_].
func GenerateToken() string {
	return randomString(16)
}

func randomString(n int) string {
	buf := make([]byte, n)
	idx := make([]byte, n)
	if _, err := rand.Read(idx); err != nil {
		panic(fmt.Sprintf("security: crypto/rand unavailable: %v", err))
	}
	for i, b := range idx {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}

// Event is a structured, append-only security event.
type Event struct {
	Type       string         `json:"type"`
	Severity   Severity       `json:"severity"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// sensitiveHeaders are never logged in attribute maps.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
}

// sink, when set via SetEventSink, receives every event LogEvent
// produces in addition to the slog record.
var sink func(Event)

// SetEventSink installs fn as the receiver of every future LogEvent call.
// The sandbox HTTP server uses this to mirror events into its
// /api/debug/security-events ring buffer without every caller of LogEvent
// needing to know about it.
func SetEventSink(fn func(Event)) { sink = fn }

// LogEvent writes a structured security event via slog, redacting
// credentials embedded in URL-shaped attribute values and dropping any
// Authorization/Cookie header values outright.
func LogEvent(eventType string, severity Severity, attrs map[string]any) Event {
	ev := Event{
		Type:       eventType,
		Severity:   severity,
		Attributes: redactAttributes(attrs),
		Timestamp:  time.Now().UTC(),
	}

	args := make([]any, 0, len(ev.Attributes)*2+2)
	args = append(args, "severity", string(severity))
	for k, v := range ev.Attributes {
		args = append(args, k, v)
	}

	switch severity {
	case SeverityHigh:
		slog.Warn("security."+eventType, args...)
	case SeverityMedium:
		slog.Info("security."+eventType, args...)
	default:
		slog.Debug("security."+eventType, args...)
	}
	if sink != nil {
		sink(ev)
	}
	return ev
}

func redactAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if _, sensitive := sensitiveHeaders[strings.ToLower(k)]; sensitive {
			out[k] = "***"
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = RedactURLCredentials(s)
			continue
		}
		out[k] = v
	}
	return out
}

var credentialMarker = regexp.MustCompile(`\*\*\*:\*\*\*@`)

// RedactURLCredentials replaces userinfo (user:pass@) in any URL-shaped
// string with "***", leaving non-URL strings untouched.
func RedactURLCredentials(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	u.User = url.UserPassword("***", "***")
	return credentialMarker.ReplaceAllString(u.String(), "***@")
}
