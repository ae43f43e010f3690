/*
Copyright 2025 SnowFlow Operations, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package secrets implements the crypto primitives the credential vault and
// the license parser are built on: AES-256-GCM encryption producing
// hex-joined "iv:tag:ciphertext" blobs, salted checksums and SHA-256 hashing.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gravitational/trace"
)

// KeySize is the only accepted size of the encryption key material.
const KeySize = 32

// nonceSize is the AES-GCM nonce size used for locally encrypted blobs.
const nonceSize = 12

// Blob segment counts for the two supported on-disk formats.
const (
	localSegments    = 3
	envelopeSegments = 4
)

// ErrCipherIntegrity is returned when a stored blob fails authentication,
// is truncated, or does not split into a known number of segments.
var ErrCipherIntegrity = errors.New("ciphertext integrity check failed")

// Cipher encrypts and decrypts blobs under a fixed 32-byte key.
type Cipher struct {
	key []byte
}

// NewCipher validates the key material and builds a Cipher. Keys must be
// exactly 32 bytes; shorter or longer material is refused rather than
// coerced. Use DeriveKey for passphrase-style configuration.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, trace.BadParameter("encryption key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Cipher{key: k}, nil
}

// DeriveKey derives a 32-byte key from arbitrary passphrase material.
func DeriveKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// Encrypt seals plaintext under the cipher key and returns the local-format
// blob "hex(iv):hex(tag):hex(ciphertext)".
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", trace.Wrap(err)
	}
	sealed, err := c.seal(nonce, plaintext)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return JoinBlob(nonce, sealed.tag, sealed.ciphertext), nil
}

// Decrypt opens a local-format blob. Envelope blobs (four segments) belong
// to the kms package and are rejected here.
func (c *Cipher) Decrypt(blob string) ([]byte, error) {
	parts, err := SplitBlob(blob)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(parts) != localSegments {
		return nil, trace.Wrap(ErrCipherIntegrity, "expected a %d-segment blob, got %d segments", localSegments, len(parts))
	}
	return c.Open(parts[0], parts[1], parts[2])
}

// Open decrypts a decoded iv/tag/ciphertext triple.
func (c *Cipher) Open(iv, tag, ciphertext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return nil, trace.Wrap(ErrCipherIntegrity, "malformed iv or auth tag")
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, trace.Wrap(ErrCipherIntegrity, "authentication failed")
	}
	return plaintext, nil
}

type sealedBox struct {
	tag        []byte
	ciphertext []byte
}

func (c *Cipher) seal(nonce, plaintext []byte) (sealedBox, error) {
	gcm, err := c.gcm()
	if err != nil {
		return sealedBox{}, trace.Wrap(err)
	}
	out := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(out) - gcm.Overhead()
	return sealedBox{tag: out[split:], ciphertext: out[:split]}, nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return gcm, nil
}

// SplitBlob decodes a colon-joined hex blob into its raw segments. Both the
// 3-segment local format and the 4-segment envelope format are accepted;
// anything else fails with ErrCipherIntegrity.
func SplitBlob(blob string) ([][]byte, error) {
	segments := strings.Split(blob, ":")
	if len(segments) != localSegments && len(segments) != envelopeSegments {
		return nil, trace.Wrap(ErrCipherIntegrity, "blob splits into %d segments", len(segments))
	}
	parts := make([][]byte, 0, len(segments))
	for _, segment := range segments {
		raw, err := hex.DecodeString(segment)
		if err != nil || len(raw) == 0 {
			return nil, trace.Wrap(ErrCipherIntegrity, "blob segment is not valid hex")
		}
		parts = append(parts, raw)
	}
	return parts, nil
}

// JoinBlob hex-encodes raw segments and joins them with colons.
func JoinBlob(segments ...[]byte) string {
	encoded := make([]string, 0, len(segments))
	for _, segment := range segments {
		encoded = append(encoded, hex.EncodeToString(segment))
	}
	return strings.Join(encoded, ":")
}

// IsEnvelope reports whether a stored blob is in the four-segment
// KMS envelope format.
func IsEnvelope(blob string) bool {
	return strings.Count(blob, ":") == envelopeSegments-1
}

// Checksum returns the first 8 uppercase hex characters of
// SHA-256(base || salt). License keys embed this as their final segment.
func Checksum(base, salt string) string {
	sum := sha256.Sum256([]byte(base + salt))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:8]
}

// HashSHA256 returns the lowercase hex SHA-256 of the input. Machine ids
// arrive already hashed this way; JWTs are correlated by the same digest.
func HashSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HMACSHA256 returns the lowercase hex HMAC-SHA256 of msg under key.
func HMACSHA256(msg, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Zero wipes key or plaintext material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
