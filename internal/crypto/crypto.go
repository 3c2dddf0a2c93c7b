// Package crypto holds the primitives behind message and media confidentiality.
//
// Conversation keys are derived, never stored: BLAKE2b-256 keyed with the
// server secret over the sorted pair of participant ids. Anyone holding both
// ids and the server secret can rebuild a key, so this protects data at rest
// from outsiders only. Media files use a random per-file key instead.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize = chacha20poly1305.KeySize
	IVSize  = chacha20poly1305.NonceSize
	TagSize = chacha20poly1305.Overhead
)

// ErrDecryption is returned when ciphertext does not authenticate.
var ErrDecryption = errors.New("decryption failed")

// DecryptionError carries the underlying cause of a failed decryption.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %s", e.Reason)
}

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// Sealed is the ciphertext triple stored for an encrypted message.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

func sortedPair(idA, idB string) (string, string) {
	if idB < idA {
		return idB, idA
	}
	return idA, idB
}

func pairBytes(idA, idB string) []byte {
	lo, hi := sortedPair(idA, idB)
	b := make([]byte, 0, len(lo)+len(hi)+1)
	b = append(b, lo...)
	b = append(b, 0)
	return append(b, hi...)
}

// ConversationKey derives the symmetric key shared by idA and idB.
// ConversationKey(s, a, b) == ConversationKey(s, b, a).
func ConversationKey(secret []byte, idA, idB string) ([]byte, error) {
	h, err := blake2b.New256(secret)
	if err != nil {
		return nil, fmt.Errorf("conversation key: %w", err)
	}
	h.Write(pairBytes(idA, idB))
	return h.Sum(nil), nil
}

// ChatID is the identifier of the private chat between idA and idB.
func ChatID(idA, idB string) string {
	sum := blake2b.Sum256(pairBytes(idA, idB))
	return hex.EncodeToString(sum[:16])
}

// Fingerprint returns a short stable digest of the given parts.
func Fingerprint(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Encrypt seals plaintext under key with a fresh random IV.
func Encrypt(plaintext, key []byte) (Sealed, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Sealed{}, err
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, err
	}
	out := aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - TagSize
	return Sealed{
		Ciphertext: out[:split:split],
		IV:         iv,
		AuthTag:    out[split:],
	}, nil
}

// Decrypt opens a triple produced by Encrypt. Any tampering or a wrong key
// yields an error matching ErrDecryption.
func Decrypt(ciphertext, iv, tag, key []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, &DecryptionError{Reason: "bad iv length"}
	}
	if len(tag) != TagSize {
		return nil, &DecryptionError{Reason: "bad tag length"}
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, &DecryptionError{Reason: err.Error()}
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	pt, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication tag mismatch"}
	}
	return pt, nil
}

// NewFileKey returns a random key and IV for a single media file.
func NewFileKey() (key, iv []byte, err error) {
	key = make([]byte, KeySize)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, err
	}
	iv = make([]byte, IVSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

// EncryptBytes seals buf with a per-file key and IV. The tag is appended.
func EncryptBytes(buf, key, iv []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("encrypt bytes: bad iv length %d", len(iv))
	}
	return aead.Seal(nil, iv, buf, nil), nil
}

// DecryptBytes reverses EncryptBytes.
func DecryptBytes(buf, key, iv []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, &DecryptionError{Reason: "bad iv length"}
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, &DecryptionError{Reason: err.Error()}
	}
	pt, err := aead.Open(nil, iv, buf, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication tag mismatch"}
	}
	return pt, nil
}
