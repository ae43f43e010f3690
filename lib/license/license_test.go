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

package license

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/snowflow/license-server/lib/secrets"
)

const testSecret = "test-license-secret"

var testNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func mustGenerate(t *testing.T, params GenerateParams) string {
	t.Helper()
	key, err := Generate(params, testSecret, testNow)
	require.NoError(t, err)
	return key
}

func TestGenerateParseRoundTrip(t *testing.T) {
	t.Parallel()

	key := mustGenerate(t, GenerateParams{
		Tier:       TierEnterprise,
		Org:        "Acme Corporation",
		DevSeats:   10,
		StakeSeats: 5,
		ExpiresAt:  time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	require.True(t, strings.HasPrefix(key, "SNOW-ENT-ACMECORPORATION-10/5-20261231-"))
	require.Len(t, strings.Split(key, "-"), 6)

	parsed, err := Parse(key, testSecret)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(&Parsed{
		Tier:             TierEnterprise,
		Org:              "ACMECORPORATION",
		DeveloperSeats:   Limit(10),
		StakeholderSeats: Limit(5),
		ExpiresAt:        time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		Format:           FormatSeatBased,
		Raw:              key,
	}, parsed, cmp.AllowUnexported(SeatLimit{})))

	// Re-serializing the parsed fields yields the identical string.
	again, err := Generate(GenerateParams{
		Tier:       parsed.Tier,
		Org:        parsed.Org,
		DevSeats:   parsed.DeveloperSeats.Stored(),
		StakeSeats: parsed.StakeholderSeats.Stored(),
		ExpiresAt:  parsed.ExpiresAt,
	}, testSecret, testNow)
	require.NoError(t, err)
	require.Equal(t, key, again)
}

func TestUnlimitedSeatEncoding(t *testing.T) {
	t.Parallel()

	key := mustGenerate(t, GenerateParams{
		Tier:       TierPro,
		Org:        "Initech",
		DevSeats:   -1,
		StakeSeats: 25,
		ExpiresAt:  time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Contains(t, key, "-0/25-")

	parsed, err := Parse(key, testSecret)
	require.NoError(t, err)
	require.True(t, parsed.DeveloperSeats.IsUnlimited())
	require.Equal(t, -1, parsed.DeveloperSeats.Stored())
	require.Equal(t, Limit(25), parsed.StakeholderSeats)
}

func TestTierAliases(t *testing.T) {
	t.Parallel()

	key := mustGenerate(t, GenerateParams{
		Tier:      "PROFESSIONAL",
		Org:       "Globex",
		DevSeats:  3,
		StakeSeats: 3,
		ExpiresAt: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	parsed, err := Parse(key, testSecret)
	require.NoError(t, err)
	require.Equal(t, TierPro, parsed.Tier)

	// ENTERPRISE spelled out in a key parses as ENT.
	base := "SNOW-ENTERPRISE-GLOBEX-2/2-20270101"
	spelled := base + "-" + secrets.Checksum(base, testSecret)
	parsed, err = Parse(spelled, testSecret)
	require.NoError(t, err)
	require.Equal(t, TierEnterprise, parsed.Tier)
}

func TestChecksumTamperDetection(t *testing.T) {
	t.Parallel()

	key := mustGenerate(t, GenerateParams{
		Tier:       TierEnterprise,
		Org:        "Acme Corporation",
		DevSeats:   10,
		StakeSeats: 5,
		ExpiresAt:  time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	})

	// Flipping any single checksum character must fail verification.
	checksum := key[len(key)-8:]
	for i := 0; i < len(checksum); i++ {
		flipped := []byte(checksum)
		if flipped[i] == 'A' {
			flipped[i] = 'B'
		} else {
			flipped[i] = 'A'
		}
		tampered := key[:len(key)-8] + string(flipped)
		_, err := Parse(tampered, testSecret)
		require.Error(t, err, "position %d", i)
		require.True(t, errors.Is(err, ErrChecksum), "position %d", i)
	}

	// Wrong salt also fails.
	_, err := Parse(key, "other-secret")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrChecksum))
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	for _, key := range []string{
		"",
		"FLAKE-ENT-ACME-1/1-20270101-AAAAAAAA",
		"SNOW",
		"SNOW-ENT",
		"SNOW-MEGA-ACME-1/1-20270101-AAAAAAAA",    // unknown tier
		"SNOW-ENT-acme-1/1-20270101-AAAAAAAA",     // lowercase org
		"SNOW-ENT-ACME-1x1-20270101-AAAAAAAA",     // bad seat segment
		"SNOW-ENT-ACME-1/1-20270230-AAAAAAAA",     // Feb 30
		"SNOW-ENT-ACME-1/1-2027010-AAAAAAAA",      // short date
		"SNOW-ENT-ACME-1/1-20270101-AAAA-AAAA-X",  // too many segments
	} {
		_, err := Parse(key, testSecret)
		require.Error(t, err, "key %q", key)
		require.True(t, errors.Is(err, ErrMalformed), "key %q", key)
	}
}

func TestOpaqueKeys(t *testing.T) {
	t.Parallel()

	parsed, err := Parse("SNOW-ENT-CUST-A1B2C3", testSecret)
	require.NoError(t, err)
	require.Equal(t, FormatOpaque, parsed.Format)
	require.True(t, parsed.DeveloperSeats.IsUnlimited())
	require.True(t, parsed.StakeholderSeats.IsUnlimited())
	require.True(t, parsed.ExpiresAt.IsZero())
	require.NoError(t, parsed.CheckExpiry(testNow.AddDate(50, 0, 0)))

	parsed, err = Parse("SNOW-SI-X9Y8", testSecret)
	require.NoError(t, err)
	require.Equal(t, FormatOpaque, parsed.Format)

	// Customer key tails are exactly six characters; SI tails range four to
	// eight.
	_, err = Parse("SNOW-ENT-CUST-ab", testSecret)
	require.Error(t, err)
	_, err = Parse("SNOW-ENT-CUST-A1B2C", testSecret)
	require.Error(t, err)
	_, err = Parse("SNOW-ENT-CUST-A1B2C3D", testSecret)
	require.Error(t, err)
	_, err = Parse("SNOW-SI-!!", testSecret)
	require.Error(t, err)

	require.True(t, OpaqueCustomerKeyRe.MatchString("SNOW-ENT-CUST-A1B2C3"))
	require.False(t, OpaqueCustomerKeyRe.MatchString("SNOW-ENT-CUST-A1B2"))
	require.False(t, OpaqueCustomerKeyRe.MatchString("SNOW-ENT-ACME-1/1-20270101-AAAAAAAA"))
	require.True(t, OpaqueSIKeyRe.MatchString("SNOW-SI-X9Y8"))
	require.True(t, OpaqueSIKeyRe.MatchString("SNOW-SI-X9Y8Z7W6"))
}

func TestLegacyFormat(t *testing.T) {
	t.Parallel()

	// Legacy keys carry no seat segment and are unlimited for enforcement.
	seatKey := mustGenerate(t, GenerateParams{
		Tier:       TierTeam,
		Org:        "Hooli",
		DevSeats:   1,
		StakeSeats: 1,
		ExpiresAt:  time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	// Build the legacy form of the same key by dropping the seat segment
	// and re-checksumming.
	parts := strings.Split(seatKey, "-")
	base := strings.Join([]string{parts[0], parts[1], parts[2], parts[4]}, "-")
	legacy := base + "-" + secrets.Checksum(base, testSecret)

	parsed, err := Parse(legacy, testSecret)
	require.NoError(t, err)
	require.Equal(t, FormatLegacy, parsed.Format)
	require.True(t, parsed.DeveloperSeats.IsUnlimited())
	require.True(t, parsed.StakeholderSeats.IsUnlimited())
	require.Equal(t, time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC), parsed.ExpiresAt)
}

func TestExpiryBoundary(t *testing.T) {
	t.Parallel()

	key := mustGenerate(t, GenerateParams{
		Tier:       TierEnterprise,
		Org:        "Acme",
		DevSeats:   1,
		StakeSeats: 1,
		ExpiresAt:  time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	parsed, err := Parse(key, testSecret)
	require.NoError(t, err)

	midnight := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, parsed.CheckExpiry(midnight))
	require.NoError(t, parsed.CheckExpiry(midnight.Add(-time.Hour)))

	err = parsed.CheckExpiry(midnight.Add(time.Second))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrExpired))
}

func TestGenerateRejections(t *testing.T) {
	t.Parallel()

	good := GenerateParams{
		Tier:       TierEnterprise,
		Org:        "Acme",
		DevSeats:   1,
		StakeSeats: 1,
		ExpiresAt:  time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}

	// Past and same-day dates.
	bad := good
	bad.ExpiresAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := Generate(bad, testSecret, testNow)
	require.Error(t, err)

	bad.ExpiresAt = testNow
	_, err = Generate(bad, testSecret, testNow)
	require.Error(t, err)

	// More than ten years out.
	bad = good
	bad.ExpiresAt = testNow.AddDate(11, 0, 0)
	_, err = Generate(bad, testSecret, testNow)
	require.Error(t, err)

	// Seats below -1.
	bad = good
	bad.DevSeats = -2
	_, err = Generate(bad, testSecret, testNow)
	require.Error(t, err)

	// Org that normalizes to empty.
	bad = good
	bad.Org = "---   ---"
	_, err = Generate(bad, testSecret, testNow)
	require.Error(t, err)

	// Unknown tier.
	bad = good
	bad.Tier = "ULTIMATE"
	_, err = Generate(bad, testSecret, testNow)
	require.Error(t, err)
}

func TestNormalizeOrg(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ACMECORPORATION", NormalizeOrg("Acme Corporation"))
	require.Equal(t, "ACME42", NormalizeOrg("acme-42!"))
	require.Equal(t, "", NormalizeOrg("  --  "))
	require.Len(t, NormalizeOrg(strings.Repeat("A", 50)), 20)
}
