// Package session remembers which tree a multi-tenant actor is currently
// browsing: one DeviceSession per (actor, device fingerprint), pointing at a
// root recording, with a self-healing resolver that repoints the session
// when access to the stored root has been revoked.
package session

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"golang.org/x/crypto/blake2b"

	"trellis/internal/recordable"
)

// maxUserAgentLen bounds the stored user-agent string; browsers are not
// shy about padding theirs.
const maxUserAgentLen = 255

// DeviceSession ties an (actor, device fingerprint) pair to the root
// recording the actor most recently selected on that device.
type DeviceSession struct {
	ID                uuid.UUID
	Actor             recordable.Ref
	DeviceFingerprint string
	RootRecordingID   uuid.UUID

	// UserAgent is the raw header, truncated; DeviceName is the parsed
	// "browser/version (os)" summary kept for display.
	UserAgent  string
	DeviceName string

	LastActiveAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FingerprintHash normalizes a raw device fingerprint into the fixed-width
// digest the store indexes on, so arbitrary-length client input never
// reaches the uniqueness key.
func FingerprintHash(raw string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// truncateUserAgent bounds the raw header.
func truncateUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxUserAgentLen {
		raw = raw[:maxUserAgentLen]
	}
	return raw
}

// deviceName condenses a user-agent header into a short human-readable
// summary; unparseable agents fall back to the (truncated) raw string.
func deviceName(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name == "" {
		return truncateUserAgent(raw)
	}
	var b strings.Builder
	b.WriteString(name)
	if version != "" {
		b.WriteString("/")
		b.WriteString(version)
	}
	if os := ua.OS(); os != "" {
		b.WriteString(" (")
		b.WriteString(os)
		b.WriteString(")")
	}
	return truncateUserAgent(b.String())
}
