package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Fingerprint captures the device metadata attached to a session. The Hash
// field is the hex SHA-256 of the raw user agent and device hint; the parsed
// fields exist for display and coarse anomaly checks only.
type Fingerprint struct {
	UserAgent  string `json:"user_agent,omitempty"`
	OS         string `json:"os,omitempty"`
	Browser    string `json:"browser,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

// NewFingerprint derives a [Fingerprint] from a raw user agent string and an
// optional device hint supplied by the caller's boundary layer.
func NewFingerprint(userAgent, deviceHint string) Fingerprint {
	sum := sha256.Sum256([]byte(userAgent + "\x00" + deviceHint))
	return Fingerprint{
		UserAgent:  userAgent,
		OS:         sniffOS(userAgent),
		Browser:    sniffBrowser(userAgent),
		DeviceType: sniffDeviceType(userAgent),
		Hash:       hex.EncodeToString(sum[:]),
	}
}

func sniffOS(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "windows"
	case strings.Contains(ua, "Android"):
		return "android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return "ios"
	case strings.Contains(ua, "Mac OS"):
		return "macos"
	case strings.Contains(ua, "Linux"):
		return "linux"
	default:
		return "unknown"
	}
}

func sniffBrowser(ua string) string {
	switch {
	case strings.Contains(ua, "Edg/"):
		return "edge"
	case strings.Contains(ua, "Firefox/"):
		return "firefox"
	case strings.Contains(ua, "Chrome/"):
		return "chrome"
	case strings.Contains(ua, "Safari/"):
		return "safari"
	default:
		return "unknown"
	}
}

func sniffDeviceType(ua string) string {
	switch {
	case strings.Contains(ua, "iPad"), strings.Contains(ua, "Tablet"):
		return "tablet"
	case strings.Contains(ua, "Mobile"), strings.Contains(ua, "iPhone"), strings.Contains(ua, "Android"):
		return "mobile"
	case ua == "":
		return "unknown"
	default:
		return "desktop"
	}
}

// Session is one browser/client context. IdentityID is empty for guest
// sessions.
type Session struct {
	ID         string      `json:"id"`
	IdentityID string      `json:"identity_id,omitempty"`
	CSRFToken  string      `json:"csrf_token"`
	Device     Fingerprint `json:"device"`
	Location   string      `json:"location,omitempty"`

	CreatedAt    int64 `json:"created_at"`
	ExpiresAt    int64 `json:"expires_at"`
	LastActiveAt int64 `json:"last_active_at"`

	Valid   bool `json:"valid"`
	Revoked bool `json:"revoked"`
}

// Authenticated reports whether the session has an identity attached.
func (s *Session) Authenticated() bool {
	return s != nil && s.IdentityID != ""
}

// ValidateCSRF compares a submitted token against the session's stored CSRF
// anchor in constant time. It fails closed: an absent session, an empty
// stored token, or an empty submitted token never validates.
func ValidateCSRF(s *Session, headerToken string) bool {
	if s == nil || s.CSRFToken == "" || headerToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.CSRFToken), []byte(headerToken)) == 1
}
