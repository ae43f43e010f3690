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
	"crypto/rand"

	gkms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/gravitational/trace"
)

// gcpWrapper wraps DEKs with a Google Cloud KMS crypto key.
type gcpWrapper struct {
	client  *gkms.KeyManagementClient
	keyName string
}

// newGCPWrapper creates a KMS client and probes the configured key. Any
// failure here downgrades the whole service to local-only mode.
func newGCPWrapper(ctx context.Context, conf Config) (*gcpWrapper, error) {
	client, err := gkms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, conf.CallTimeout)
	defer cancel()
	if _, err := client.GetCryptoKey(probeCtx, &kmspb.GetCryptoKeyRequest{Name: conf.KeyName()}); err != nil {
		client.Close()
		return nil, trace.Wrap(ErrUnavailable, "probing crypto key %q: %v", conf.KeyName(), err)
	}

	return &gcpWrapper{client: client, keyName: conf.KeyName()}, nil
}

func (w *gcpWrapper) Wrap(ctx context.Context, dek []byte) ([]byte, error) {
	resp, err := w.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      w.keyName,
		Plaintext: dek,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.Ciphertext, nil
}

func (w *gcpWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	resp, err := w.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       w.keyName,
		Ciphertext: wrapped,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.Plaintext, nil
}

func (w *gcpWrapper) Close() error {
	return trace.Wrap(w.client.Close())
}

func randomDEK() ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, trace.Wrap(err)
	}
	return dek, nil
}
