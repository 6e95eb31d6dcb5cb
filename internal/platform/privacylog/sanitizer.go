// Package privacylog keeps wallet secrets and account identifiers out of
// log output.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

type action int

const (
	keep action = iota
	redact
	fingerprint
)

var (
	bootNonce = randomNonce()

	// secretKeyParts match anywhere in a lower-cased key.
	secretKeyParts = []string{"passphrase", "password", "mnemonic", "private_key", "seed", "token", "secret", "params"}

	// identifying keys are logged only as a per-boot fingerprint.
	identifyingKeys = map[string]struct{}{
		"address":     {},
		"account":     {},
		"from":        {},
		"document_id": {},
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr rewrites a single attribute. Groups are walked recursively
// and keep their structure.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	switch classify(attr.Key) {
	case redact:
		return slog.String(attr.Key, redactedValue)
	case fingerprint:
		return slog.String(attr.Key+"_fp", FingerprintID(valueString(attr.Value.Resolve())))
	}
	if attr.Value.Kind() == slog.KindGroup {
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(sanitizeAttrs(attr.Value.Group())...)}
	}
	return attr
}

// FingerprintID is stable for one process lifetime and unlinkable across
// restarts.
func FingerprintID(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func classify(key string) action {
	key = strings.ToLower(strings.TrimSpace(key))
	if strings.HasSuffix(key, "_fp") {
		return keep
	}
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return redact
		}
	}
	if _, ok := identifyingKeys[key]; ok {
		return fingerprint
	}
	return keep
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func valueString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindAny:
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
