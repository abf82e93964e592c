package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeyPrefix marks keys issued by the gateway.
const KeyPrefix = "sk-"

// GenerateKey returns a new random credential key: KeyPrefix followed by 48
// hex characters.
func GenerateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}
