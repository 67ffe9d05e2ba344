package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// TokenSource produces runner identifiers and token material. Tokens are
// opaque; only their hashes are persisted.
type TokenSource interface {
	RunnerID() string
	RegistrationToken() string
	AccessToken() string
}

// UUIDTokenSource issues prefixed UUID-based identifiers and tokens.
type UUIDTokenSource struct{}

func (UUIDTokenSource) RunnerID() string {
	return "runner_" + compactUUID()
}

func (UUIDTokenSource) RegistrationToken() string {
	return "monkci_reg_" + compactUUID() + compactUUID()
}

func (UUIDTokenSource) AccessToken() string {
	return "monkci_tok_" + compactUUID() + compactUUID()
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// hashToken is the stored form of registration and access tokens.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
