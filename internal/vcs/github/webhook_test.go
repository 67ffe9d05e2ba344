package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	secret := "hunter2"
	body := []byte(`{"action":"created"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	ok, err := VerifySignature(secret, body, signature)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected valid signature")
	}

	ok, err = VerifySignature(secret, []byte(`tampered`), signature)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if ok {
		t.Fatal("expected tampered payload rejected")
	}

	if _, err := VerifySignature(secret, body, "sha512=deadbeef"); err == nil {
		t.Fatal("expected unsupported algorithm rejected")
	}
	if _, err := VerifySignature(secret, body, ""); err == nil {
		t.Fatal("expected missing header rejected")
	}
}

func TestNormalizeInstallationEvent(t *testing.T) {
	payload := []byte(`{
		"action": "deleted",
		"installation": {
			"id": 42,
			"account": {"login": "acme", "type": "Organization"},
			"permissions": {"checks": "write"},
			"repository_selection": "all"
		}
	}`)

	event, actionable, err := NormalizeInstallationEvent(EventInstallation, payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !actionable {
		t.Fatal("expected installation event to be actionable")
	}
	if !event.Removed {
		t.Fatal("expected deleted action to mark removal")
	}
	if event.Installation.ID != 42 || event.Installation.AccountLogin != "acme" {
		t.Fatalf("unexpected installation: %+v", event.Installation)
	}

	// Repository changes update the record but never remove it.
	event, actionable, err = NormalizeInstallationEvent(EventInstallationRepositories, payload)
	if err != nil {
		t.Fatalf("normalize repositories: %v", err)
	}
	if !actionable || event.Removed {
		t.Fatalf("expected actionable non-removal, got actionable=%v removed=%v", actionable, event.Removed)
	}

	if _, actionable, err := NormalizeInstallationEvent(EventPing, payload); err != nil || actionable {
		t.Fatalf("expected ping ignored, got actionable=%v err=%v", actionable, err)
	}

	if _, _, err := NormalizeInstallationEvent(EventInstallation, []byte(`{"action":"created"}`)); err == nil {
		t.Fatal("expected missing installation id rejected")
	}
}
