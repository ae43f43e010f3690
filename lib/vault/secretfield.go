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

package vault

import "encoding/json"

// RedactedPlaceholder is what listings show instead of a secret value.
const RedactedPlaceholder = "[ENCRYPTED]"

type secretState int

const (
	secretAbsent secretState = iota
	secretPresent
	secretRedacted
)

// SecretField is a credential secret in one of three states: absent (the
// record has no such secret), present (decrypted value in hand), or
// redacted (a value exists but was deliberately not decrypted). The
// distinction keeps "no password" and "password you may not see" from
// collapsing into the same empty string.
type SecretField struct {
	state secretState
	value string
}

// Present wraps a decrypted value.
func Present(value string) SecretField {
	return SecretField{state: secretPresent, value: value}
}

// Redacted marks that a value exists but is withheld.
func Redacted() SecretField {
	return SecretField{state: secretRedacted}
}

// Absent is a field the record does not carry. Also the zero value.
func Absent() SecretField {
	return SecretField{}
}

// IsPresent reports whether a decrypted value is available.
func (f SecretField) IsPresent() bool { return f.state == secretPresent }

// IsRedacted reports whether a value exists but is withheld.
func (f SecretField) IsRedacted() bool { return f.state == secretRedacted }

// IsAbsent reports whether the record carries no such secret.
func (f SecretField) IsAbsent() bool { return f.state == secretAbsent }

// Value returns the decrypted value, or "" unless present.
func (f SecretField) Value() string {
	if f.state != secretPresent {
		return ""
	}
	return f.value
}

// MarshalJSON renders present values literally, redacted ones as the
// placeholder and absent ones as null.
func (f SecretField) MarshalJSON() ([]byte, error) {
	switch f.state {
	case secretPresent:
		return json.Marshal(f.value)
	case secretRedacted:
		return json.Marshal(RedactedPlaceholder)
	default:
		return []byte("null"), nil
	}
}

// String never exposes the secret.
func (f SecretField) String() string {
	switch f.state {
	case secretPresent:
		return "<secret>"
	case secretRedacted:
		return RedactedPlaceholder
	default:
		return "<absent>"
	}
}
