// Package crypto implements the sealed-envelope AEAD primitives used to
// authenticate and encrypt everything that leaves a device on the relay
// wire: conversation drops and mirror snapshots alike.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// PayloadVersion is the only version Seal emits and Open accepts.
	PayloadVersion = 1

	// KeySize is the required length, in bytes, of a loaded master key.
	KeySize = 32

	nonceSize = 12 // 96-bit GCM nonce

	hkdfInfo = "crystal-relay-sign"
)

// Payload is the versioned sealed-envelope wire format carried over the
// relay and mirror wires.
type Payload struct {
	V          int    `json:"v"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
	HMAC       string `json:"hmac"`
}

// ErrIntegrity is returned by Open when the HMAC does not verify, the AEAD
// tag does not verify, or the payload version is unsupported. Callers must
// never inspect Ciphertext/Tag further once this is returned.
var ErrIntegrity = fmt.Errorf("crypto: integrity check failed")

// Seal encrypts plaintext under key with AES-256-GCM and attaches a
// derived-key HMAC over nonce||ciphertext||tag so a receiver can reject a
// forged or corrupted envelope before ever attempting to decrypt it.
func Seal(plaintext, key []byte) (*Payload, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: seal: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal: new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: seal: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	signKey, err := deriveSigningKey(key)
	if err != nil {
		return nil, err
	}

	mac := computeHMAC(signKey, nonce, ciphertext, tag)

	return &Payload{
		V:          PayloadVersion,
		Nonce:      encodeBase64(nonce),
		Ciphertext: encodeBase64(ciphertext),
		Tag:        encodeBase64(tag),
		HMAC:       hex.EncodeToString(mac),
	}, nil
}

// Open verifies and decrypts a Payload sealed with Seal under the same key.
// The HMAC is checked before any attempt to decrypt, so a forged or
// bit-flipped envelope never reaches the AEAD.
func Open(p *Payload, key []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrIntegrity)
	}
	if p.V != PayloadVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrIntegrity, p.V)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: open: key must be %d bytes, got %d", KeySize, len(key))
	}

	nonce, err := decodeBase64(p.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce: %v", ErrIntegrity, err)
	}
	ciphertext, err := decodeBase64(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext: %v", ErrIntegrity, err)
	}
	tag, err := decodeBase64(p.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag: %v", ErrIntegrity, err)
	}
	wantMAC, err := hex.DecodeString(p.HMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hmac encoding: %v", ErrIntegrity, err)
	}

	signKey, err := deriveSigningKey(key)
	if err != nil {
		return nil, err
	}
	gotMAC := computeHMAC(signKey, nonce, ciphertext, tag)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, fmt.Errorf("%w: hmac mismatch", ErrIntegrity)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: new gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrIntegrity)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: aead open: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// Hash returns the hex-encoded SHA-256 digest of b. Used as the chunk
// dedup key and as the mirror snapshot integrity check.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// LoadKey reads a base64-encoded 32-byte master key from path. The file
// content is trimmed of surrounding whitespace before decoding.
func LoadKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: load key: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	key, err := decodeBase64(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: load key: invalid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: load key: expected %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// deriveSigningKey derives the HMAC sub-key from the master key via
// HKDF-SHA-256 with an empty salt. The signing surface is recoverable
// without rotating the encryption root because it never touches the
// master key directly.
func deriveSigningKey(masterKey []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo))
	signKey := make([]byte, 32)
	if _, err := io.ReadFull(r, signKey); err != nil {
		return nil, fmt.Errorf("crypto: derive signing key: %w", err)
	}
	return signKey, nil
}

func computeHMAC(signKey, nonce, ciphertext, tag []byte) []byte {
	mac := hmac.New(sha256.New, signKey)
	mac.Write(nonce)
	mac.Write(ciphertext)
	mac.Write(tag)
	return mac.Sum(nil)
}

// encodeBase64 encodes a Payload field (nonce, ciphertext, or tag) for the
// JSON wire.
func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// decodeBase64 reverses encodeBase64, used both on incoming Payload fields
// and on the master key file LoadKey reads.
func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid base64: %w", err)
	}
	return data, nil
}
