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

// Package kms implements envelope encryption on top of lib/secrets: every
// record is sealed under a fresh 32-byte data encryption key (DEK), and the
// DEK itself is wrapped by a Cloud KMS master key. When KMS is not
// configured or unreachable at startup the service degrades to the local
// single-key format; it never stores plaintext.
package kms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"

	"github.com/snowflow/license-server/lib/backoff"
	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/secrets"
)

// Blob format reminder:
//
//	local:    hex(iv):hex(tag):hex(ct)
//	envelope: hex(wrappedDek):hex(iv):hex(tag):hex(ct)

const (
	// DefaultCallTimeout bounds a single KMS wrap/unwrap call.
	DefaultCallTimeout = 500 * time.Millisecond
	// DefaultKeyRing and DefaultCryptoKey name the master key when the
	// config only carries a project id.
	DefaultKeyRing   = "snowflow"
	DefaultCryptoKey = "credentials"
	// dekSize is the size of a per-record data encryption key.
	dekSize = 32
)

var (
	// ErrUnavailable means the KMS probe failed at startup; the service runs
	// in local-only mode.
	ErrUnavailable = errors.New("kms unavailable")
	// ErrTransient means a single wrap call failed; the caller may retry.
	ErrTransient = errors.New("kms transient failure")
	// ErrDecryptFailed means a stored envelope blob cannot be unwrapped.
	// The record it protects is permanently unreadable.
	ErrDecryptFailed = errors.New("kms decrypt failed")
)

// Config describes the Cloud KMS master key location. KMS is considered
// configured when the project is set.
type Config struct {
	Project     string `toml:"project"`
	Location    string `toml:"location"`
	KeyRing     string `toml:"key_ring"`
	CryptoKey   string `toml:"crypto_key"`
	CallTimeout time.Duration
}

// Configured reports whether the config points at a master key.
func (c *Config) Configured() bool {
	return c.Project != ""
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if !c.Configured() {
		return nil
	}
	// A bare project, typically from GCP_PROJECT_ID in the environment, is
	// enough: the rest of the key path has conventional names.
	if c.Location == "" {
		c.Location = "global"
	}
	if c.KeyRing == "" {
		c.KeyRing = DefaultKeyRing
	}
	if c.CryptoKey == "" {
		c.CryptoKey = DefaultCryptoKey
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return nil
}

// KeyName returns the fully qualified crypto key resource name.
func (c *Config) KeyName() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s",
		c.Project, c.Location, c.KeyRing, c.CryptoKey)
}

// Wrapper wraps and unwraps data encryption keys. The production
// implementation talks to Google Cloud KMS; tests substitute a fake.
type Wrapper interface {
	Wrap(ctx context.Context, dek []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
	Close() error
}

// Service encrypts and decrypts credential blobs, choosing the envelope or
// local format by availability and sniffing the stored format by segment
// count on the way back.
type Service struct {
	local       *secrets.Cipher
	wrapper     Wrapper
	callTimeout time.Duration
}

// NewService probes for KMS availability and builds the envelope service.
// A failed probe is not fatal: the service downgrades to local-only and
// logs a warning.
func NewService(ctx context.Context, conf Config, local *secrets.Cipher) (*Service, error) {
	svc := &Service{local: local, callTimeout: conf.CallTimeout}
	if svc.callTimeout == 0 {
		svc.callTimeout = DefaultCallTimeout
	}
	if !conf.Configured() {
		return svc, nil
	}

	log := logger.Get(ctx)
	wrapper, err := newGCPWrapper(ctx, conf)
	if err != nil {
		log.WithError(err).Warning("Cloud KMS probe failed, credentials will be encrypted with the local key only")
		return svc, nil
	}
	log.WithField("key", conf.KeyName()).Info("Cloud KMS envelope encryption enabled")
	svc.wrapper = wrapper
	return svc, nil
}

// NewServiceWithWrapper builds a service around an explicit wrapper.
func NewServiceWithWrapper(local *secrets.Cipher, wrapper Wrapper, callTimeout time.Duration) *Service {
	if callTimeout == 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Service{local: local, wrapper: wrapper, callTimeout: callTimeout}
}

// EnvelopeEnabled reports whether new writes will use the envelope format.
func (s *Service) EnvelopeEnabled() bool {
	return s.wrapper != nil
}

// Encrypt seals plaintext. With KMS available it generates a fresh DEK,
// seals locally under the DEK and wraps the DEK upstream; otherwise it
// falls back to the configured local key.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	if s.wrapper == nil {
		return s.local.Encrypt(plaintext)
	}

	dek, err := randomDEK()
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer secrets.Zero(dek)

	dekCipher, err := secrets.NewCipher(dek)
	if err != nil {
		return "", trace.Wrap(err)
	}
	blob, err := dekCipher.Encrypt(plaintext)
	if err != nil {
		return "", trace.Wrap(err)
	}

	wrapped, err := s.wrapWithRetry(ctx, dek)
	if err != nil {
		return "", trace.Wrap(ErrTransient, "wrapping data encryption key: %v", err)
	}

	parts, err := secrets.SplitBlob(blob)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return secrets.JoinBlob(wrapped, parts[0], parts[1], parts[2]), nil
}

// Decrypt opens a stored blob of either format. A four-segment blob with no
// KMS available, or one whose DEK cannot be unwrapped, fails with
// ErrDecryptFailed.
func (s *Service) Decrypt(ctx context.Context, blob string) ([]byte, error) {
	if !secrets.IsEnvelope(blob) {
		return s.local.Decrypt(blob)
	}

	parts, err := secrets.SplitBlob(blob)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if s.wrapper == nil {
		return nil, trace.Wrap(ErrDecryptFailed, "stored blob is KMS-wrapped but KMS is not available")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	dek, err := s.wrapper.Unwrap(callCtx, parts[0])
	cancel()
	if err != nil {
		return nil, trace.Wrap(ErrDecryptFailed, "unwrapping data encryption key: %v", err)
	}
	defer secrets.Zero(dek)

	dekCipher, err := secrets.NewCipher(dek)
	if err != nil {
		return nil, trace.Wrap(ErrDecryptFailed, "unwrapped key is malformed: %v", err)
	}
	plaintext, err := dekCipher.Open(parts[1], parts[2], parts[3])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return plaintext, nil
}

// wrapWithRetry makes one retry attempt after a short decorrelated backoff.
func (s *Service) wrapWithRetry(ctx context.Context, dek []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	wrapped, err := s.wrapper.Wrap(callCtx, dek)
	cancel()
	if err == nil {
		return wrapped, nil
	}

	bk := backoff.Decorr(50*time.Millisecond, s.callTimeout)
	if berr := bk.Do(ctx); berr != nil {
		return nil, trace.Wrap(err)
	}

	callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	wrapped, err = s.wrapper.Wrap(callCtx, dek)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return wrapped, nil
}

// Close releases the upstream client if any.
func (s *Service) Close() error {
	if s.wrapper == nil {
		return nil
	}
	return trace.Wrap(s.wrapper.Close())
}
