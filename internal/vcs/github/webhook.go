package github

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	EventPing                     = "ping"
	EventInstallation             = "installation"
	EventInstallationRepositories = "installation_repositories"

	installationActionDeleted = "deleted"
)

// InstallationEvent captures normalized installation webhook data used to
// keep remembered installations in sync.
type InstallationEvent struct {
	Action       string
	Installation AppInstallation
	Removed      bool
}

// VerifySignature checks a GitHub webhook signature header against the
// payload.
func VerifySignature(secret string, body []byte, signatureHeader string) (bool, error) {
	if secret == "" {
		return false, errors.New("webhook secret is empty")
	}
	if signatureHeader == "" {
		return false, errors.New("signature header missing")
	}

	parts := strings.SplitN(signatureHeader, "=", 2)
	if len(parts) != 2 {
		return false, errors.New("signature header malformed")
	}
	sigBytes, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("signature hex decode failed: %w", err)
	}

	var mac []byte
	switch parts[0] {
	case "sha1":
		h := hmac.New(sha1.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	case "sha256":
		h := hmac.New(sha256.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	default:
		return false, fmt.Errorf("unsupported signature algorithm %q", parts[0])
	}

	return hmac.Equal(mac, sigBytes), nil
}

// NormalizeInstallationEvent parses an installation webhook payload. The
// boolean result indicates whether the event carries installation data the
// platform should act on.
func NormalizeInstallationEvent(eventType string, body []byte) (InstallationEvent, bool, error) {
	switch eventType {
	case EventInstallation, EventInstallationRepositories:
	default:
		return InstallationEvent{}, false, nil
	}

	var payload struct {
		Action       string          `json:"action"`
		Installation apiInstallation `json:"installation"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return InstallationEvent{}, false, fmt.Errorf("decode %s event: %w", eventType, err)
	}
	if payload.Installation.ID == 0 {
		return InstallationEvent{}, false, errors.New("installation event missing installation id")
	}

	return InstallationEvent{
		Action:       payload.Action,
		Installation: payload.Installation.toInstallation(),
		Removed:      eventType == EventInstallation && payload.Action == installationActionDeleted,
	}, true, nil
}
