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

package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	cipher, err := NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return cipher
}

func TestNewCipherKeySize(t *testing.T) {
	t.Parallel()

	_, err := NewCipher([]byte("short"))
	require.Error(t, err)

	_, err = NewCipher([]byte(strings.Repeat("x", 33)))
	require.Error(t, err)

	_, err = NewCipher(DeriveKey("any passphrase at all"))
	require.NoError(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	cipher := testCipher(t)

	for _, plaintext := range []string{
		"ATATT3xFfGF0-example-api-token",
		"p@ssw0rd with spaces and unicode ключ",
		"x",
	} {
		blob, err := cipher.Encrypt([]byte(plaintext))
		require.NoError(t, err)
		require.Len(t, strings.Split(blob, ":"), 3)

		decrypted, err := cipher.Decrypt(blob)
		require.NoError(t, err)
		require.Equal(t, plaintext, string(decrypted))
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	t.Parallel()
	cipher := testCipher(t)

	a, err := cipher.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := cipher.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	t.Parallel()
	cipher := testCipher(t)

	blob, err := cipher.Encrypt([]byte("super secret"))
	require.NoError(t, err)

	// Flip one hex digit of the ciphertext segment.
	parts := strings.Split(blob, ":")
	ct := []byte(parts[2])
	if ct[0] == 'a' {
		ct[0] = 'b'
	} else {
		ct[0] = 'a'
	}
	parts[2] = string(ct)
	_, err = cipher.Decrypt(strings.Join(parts, ":"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCipherIntegrity))
}

func TestDecryptRejectsMalformedBlobs(t *testing.T) {
	t.Parallel()
	cipher := testCipher(t)

	for _, blob := range []string{
		"",
		"deadbeef",
		"aa:bb",
		"aa:bb:cc:dd:ee",
		"zz:zz:zz",
		"aa::cc",
	} {
		_, err := cipher.Decrypt(blob)
		require.Error(t, err, "blob %q", blob)
		require.True(t, errors.Is(err, ErrCipherIntegrity), "blob %q", blob)
	}
}

func TestDecryptRejectsEnvelopeFormat(t *testing.T) {
	t.Parallel()
	cipher := testCipher(t)

	// A well-formed four-segment blob is the kms package's business.
	_, err := cipher.Decrypt("aa:bb:cc:dd")
	require.Error(t, err)
}

func TestChecksum(t *testing.T) {
	t.Parallel()

	sum := Checksum("SNOW-ENT-ACME-10/5-20261231", "salt")
	require.Len(t, sum, 8)
	require.Equal(t, strings.ToUpper(sum), sum)

	// Deterministic for same inputs, distinct for different salts.
	require.Equal(t, sum, Checksum("SNOW-ENT-ACME-10/5-20261231", "salt"))
	require.NotEqual(t, sum, Checksum("SNOW-ENT-ACME-10/5-20261231", "pepper"))
}

func TestHashSHA256(t *testing.T) {
	t.Parallel()

	// Known vector.
	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		HashSHA256("hello"))
}

func TestIsEnvelope(t *testing.T) {
	t.Parallel()

	require.False(t, IsEnvelope("aa:bb:cc"))
	require.True(t, IsEnvelope("aa:bb:cc:dd"))
}
