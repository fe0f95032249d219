// Package crypto encrypts source connection strings at rest.
//
// The stored blob is hex(base64(nonce ‖ ciphertext‖tag ‖ aad)) under AES-GCM
// with a 12-byte random nonce and a 16-byte random associated-data salt. The
// layout is shared with the rest of the warehouse tooling and must not
// change.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	log "github.com/sirupsen/logrus"
)

const (
	nonceSize = 12
	aadSize   = 16
)

// Encrypt seals plaintext under the hex-encoded 32-byte key.
func Encrypt(keyHex, plaintext string) (string, error) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	aad := make([]byte, aadSize)
	if _, err := rand.Read(aad); err != nil {
		return "", fmt.Errorf("generate aad: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), aad)

	blob := make([]byte, 0, nonceSize+len(sealed)+aadSize)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	blob = append(blob, aad...)

	b64 := base64.StdEncoding.EncodeToString(blob)
	return hex.EncodeToString([]byte(b64)), nil
}

// Decrypt opens a blob produced by Encrypt. It returns ok=false when the
// blob does not authenticate under the key; rotation relies on that to
// detect rows still sealed with an older key.
func Decrypt(keyHex, cipherHex string) (string, bool) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		log.WithError(err).Warn("decrypt: bad key")
		return "", false
	}

	b64, err := hex.DecodeString(cipherHex)
	if err != nil {
		log.WithError(err).Warn("decrypt: bad hex")
		return "", false
	}
	blob, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		log.WithError(err).Warn("decrypt: bad base64")
		return "", false
	}
	if len(blob) < nonceSize+aadSize+gcm.Overhead() {
		return "", false
	}

	nonce := blob[:nonceSize]
	aad := blob[len(blob)-aadSize:]
	sealed := blob[nonceSize : len(blob)-aadSize]

	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}

func newGCM(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
