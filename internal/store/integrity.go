// ABOUTME: Keyed BLAKE2b integrity signatures over message rows
// ABOUTME: Tamper/corruption detection only, not a security boundary

package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Signer computes and verifies keyed integrity signatures for messages.
// A nil Signer (no key configured) disables signing: Sign returns "" and
// Verify accepts everything.
type Signer struct {
	key []byte
}

// NewSigner creates a signer from a key. Returns nil for an empty key so
// callers can treat "no key" as "signing disabled".
func NewSigner(key []byte) *Signer {
	if len(key) == 0 {
		return nil
	}
	return &Signer{key: key}
}

// Sign computes the signature over the message's audited fields. The
// signature is recomputed on every write so status transitions are covered.
func (s *Signer) Sign(msg *Message) (string, error) {
	if s == nil {
		return "", nil
	}

	h, err := blake2b.New256(s.key)
	if err != nil {
		return "", fmt.Errorf("creating keyed hash: %w", err)
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload for signing: %w", err)
	}

	for _, field := range []string{
		msg.ID,
		msg.Sender,
		msg.Recipient,
		msg.Type,
		string(payload),
		string(msg.Status),
		msg.AcknowledgedBy,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		msg.UpdatedAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(field))
		h.Write([]byte{0}) // field separator, keeps "a"+"bc" distinct from "ab"+"c"
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the signature and compares it against the stored value.
func (s *Signer) Verify(msg *Message) (bool, error) {
	if s == nil {
		return true, nil
	}
	want, err := s.Sign(msg)
	if err != nil {
		return false, err
	}
	return want == msg.Signature, nil
}
