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

package kms

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snowflow/license-server/lib/secrets"
)

// fakeWrapper "wraps" a DEK by XORing it with a fixed pad. Good enough to
// verify the envelope plumbing without a KMS.
type fakeWrapper struct {
	pad      byte
	failWrap int // fail this many Wrap calls before succeeding
	calls    int
	closed   bool
}

func (w *fakeWrapper) Wrap(_ context.Context, dek []byte) ([]byte, error) {
	w.calls++
	if w.failWrap > 0 {
		w.failWrap--
		return nil, errors.New("kms is having a bad day")
	}
	out := make([]byte, len(dek))
	for i, b := range dek {
		out[i] = b ^ w.pad
	}
	return out, nil
}

func (w *fakeWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	return w.Wrap(ctx, wrapped)
}

func (w *fakeWrapper) Close() error {
	w.closed = true
	return nil
}

func testLocal(t *testing.T) *secrets.Cipher {
	t.Helper()
	cipher, err := secrets.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return cipher
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewServiceWithWrapper(testLocal(t), &fakeWrapper{pad: 0x5a}, 0)

	blob, err := svc.Encrypt(ctx, []byte("jira api token"))
	require.NoError(t, err)
	require.Len(t, strings.Split(blob, ":"), 4)

	plaintext, err := svc.Decrypt(ctx, blob)
	require.NoError(t, err)
	require.Equal(t, "jira api token", string(plaintext))
}

func TestLocalFallbackWhenUnconfigured(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewServiceWithWrapper(testLocal(t), nil, 0)
	require.False(t, svc.EnvelopeEnabled())

	blob, err := svc.Encrypt(ctx, []byte("plain local secret"))
	require.NoError(t, err)
	require.Len(t, strings.Split(blob, ":"), 3)

	plaintext, err := svc.Decrypt(ctx, blob)
	require.NoError(t, err)
	require.Equal(t, "plain local secret", string(plaintext))
}

func TestDecryptSniffsFormat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local := testLocal(t)
	svc := NewServiceWithWrapper(local, &fakeWrapper{pad: 0x11}, 0)

	// A three-segment blob written before KMS was enabled still decrypts.
	blob, err := local.Encrypt([]byte("pre-kms secret"))
	require.NoError(t, err)
	plaintext, err := svc.Decrypt(ctx, blob)
	require.NoError(t, err)
	require.Equal(t, "pre-kms secret", string(plaintext))
}

func TestWrapRetriesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wrapper := &fakeWrapper{pad: 0x5a, failWrap: 1}
	svc := NewServiceWithWrapper(testLocal(t), wrapper, 0)

	blob, err := svc.Encrypt(ctx, []byte("retried"))
	require.NoError(t, err)
	require.Equal(t, 2, wrapper.calls)

	plaintext, err := svc.Decrypt(ctx, blob)
	require.NoError(t, err)
	require.Equal(t, "retried", string(plaintext))
}

func TestWrapFailureIsTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wrapper := &fakeWrapper{pad: 0x5a, failWrap: 2}
	svc := NewServiceWithWrapper(testLocal(t), wrapper, 0)

	_, err := svc.Encrypt(ctx, []byte("never stored"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTransient))
}

func TestEnvelopeUnreadableWithoutKMS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local := testLocal(t)

	// Write with KMS on.
	withKMS := NewServiceWithWrapper(local, &fakeWrapper{pad: 0x5a}, 0)
	blob, err := withKMS.Encrypt(ctx, []byte("kms only"))
	require.NoError(t, err)

	// Restart without KMS: the record is unreadable, not silently empty.
	withoutKMS := NewServiceWithWrapper(local, nil, 0)
	_, err = withoutKMS.Decrypt(ctx, blob)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDecryptFailed))
}

func TestUnwrapFailureIsFatalToRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local := testLocal(t)
	svc := NewServiceWithWrapper(local, &fakeWrapper{pad: 0x5a}, 0)

	blob, err := svc.Encrypt(ctx, []byte("flipped"))
	require.NoError(t, err)

	// A different master key cannot unwrap the DEK: the unwrapped bytes are
	// a valid-size but wrong key, so the GCM open fails.
	other := NewServiceWithWrapper(local, &fakeWrapper{pad: 0x77}, 0)
	_, err = other.Decrypt(ctx, blob)
	require.Error(t, err)
	require.True(t, errors.Is(err, secrets.ErrCipherIntegrity) || errors.Is(err, ErrDecryptFailed))
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	conf := Config{}
	require.NoError(t, conf.CheckAndSetDefaults())
	require.False(t, conf.Configured())

	// A bare project id, as GCP_PROJECT_ID injects it, picks up the
	// conventional key path.
	conf = Config{Project: "acme-prod"}
	require.NoError(t, conf.CheckAndSetDefaults())
	require.Equal(t, "projects/acme-prod/locations/global/keyRings/snowflow/cryptoKeys/credentials", conf.KeyName())

	conf = Config{Project: "acme-prod", KeyRing: "licserver", CryptoKey: "credentials"}
	require.NoError(t, conf.CheckAndSetDefaults())
	require.Equal(t, "projects/acme-prod/locations/global/keyRings/licserver/cryptoKeys/credentials", conf.KeyName())
	require.Equal(t, DefaultCallTimeout, conf.CallTimeout)
}
