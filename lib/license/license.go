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

// Package license implements the SNOW license key grammar.
//
// Seat-based keys look like
//
//	SNOW-<TIER>-<ORG>-<DEV>/<STAKE>-<YYYYMMDD>-<CHECKSUM>
//
// legacy keys omit the seat segment, and short administrative keys
// (SNOW-ENT-CUST-XXXX, SNOW-SI-XXXX) are opaque: unique identifiers with no
// seat information and no checksum.
package license

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/snowflow/license-server/lib/secrets"
)

// Tier is a canonical license tier.
type Tier string

const (
	TierTeam       Tier = "TEAM"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENT"
)

// Format describes which grammar a key was parsed under.
type Format string

const (
	// FormatSeatBased is the current grammar with explicit seat counts.
	FormatSeatBased Format = "seatBased"
	// FormatLegacy is the old grammar without seats; always unlimited.
	FormatLegacy Format = "legacy"
	// FormatOpaque covers short administrative keys used for seed data and
	// service integrators; no seats, no checksum.
	FormatOpaque Format = "opaque"
)

var (
	// ErrMalformed means the key does not match any known grammar.
	ErrMalformed = errors.New("license key is malformed")
	// ErrChecksum means the grammar matched but the checksum did not.
	ErrChecksum = errors.New("license checksum mismatch")
	// ErrExpired means the key's expiry date has passed.
	ErrExpired = errors.New("license has expired")
)

const (
	maxOrgLen    = 20
	maxLeadYears = 10
	dateLayout   = "20060102"
)

var (
	orgRe          = regexp.MustCompile(`^[A-Z0-9]{1,20}$`)
	seatsRe        = regexp.MustCompile(`^(\d+)/(\d+)$`)
	customerTailRe = regexp.MustCompile(`^[A-Z0-9]{6}$`)
	siTailRe       = regexp.MustCompile(`^[A-Z0-9]{4,8}$`)
	nonAlphaNumRe  = regexp.MustCompile(`[^A-Z0-9]`)
	// OpaqueCustomerKeyRe matches opaque customer keys at the auth edge.
	// Issued suffixes are exactly six characters.
	OpaqueCustomerKeyRe = regexp.MustCompile(`^SNOW-ENT-CUST-[A-Z0-9]{6}$`)
	// OpaqueSIKeyRe matches service integrator master keys.
	OpaqueSIKeyRe = regexp.MustCompile(`^SNOW-SI-[A-Z0-9]{4,8}$`)
)

// SeatLimit is the number of concurrent seats a key entitles for one role.
// The zero value is Limit(0), i.e. no seats at all. The storage and wire
// boundaries encode Unlimited as -1 and 0 respectively; inside the server
// only this type is used.
type SeatLimit struct {
	n         int
	unlimited bool
}

// Unlimited is a seat limit that never gates admission.
func Unlimited() SeatLimit {
	return SeatLimit{unlimited: true}
}

// Limit is a literal seat limit. Limit(0) admits nobody.
func Limit(n int) SeatLimit {
	return SeatLimit{n: n}
}

// FromStored converts the storage encoding (-1 means unlimited).
func FromStored(n int) SeatLimit {
	if n < 0 {
		return Unlimited()
	}
	return Limit(n)
}

// IsUnlimited reports whether the limit gates admission at all.
func (l SeatLimit) IsUnlimited() bool { return l.unlimited }

// N returns the literal limit; meaningless when unlimited.
func (l SeatLimit) N() int { return l.n }

// Admits reports whether one more connection fits under the limit.
func (l SeatLimit) Admits(active int) bool {
	return l.unlimited || active < l.n
}

// Stored returns the storage encoding (-1 for unlimited).
func (l SeatLimit) Stored() int {
	if l.unlimited {
		return -1
	}
	return l.n
}

// wire returns the key-segment encoding (0 for unlimited).
func (l SeatLimit) wire() int {
	if l.unlimited {
		return 0
	}
	return l.n
}

func (l SeatLimit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.Itoa(l.n)
}

// Parsed is the value object produced from a key string. It is never
// persisted; the key itself is the durable form.
type Parsed struct {
	Tier             Tier
	Org              string
	DeveloperSeats   SeatLimit
	StakeholderSeats SeatLimit
	// ExpiresAt is midnight UTC of the key's expiry date; zero for opaque
	// keys. The key is valid through that midnight and expired strictly
	// after it.
	ExpiresAt time.Time
	Format    Format
	Raw       string
}

// CheckExpiry returns ErrExpired when now is strictly past the expiry
// moment. Opaque keys never expire.
func (p *Parsed) CheckExpiry(now time.Time) error {
	if p.ExpiresAt.IsZero() {
		return nil
	}
	if now.After(p.ExpiresAt) {
		return trace.Wrap(ErrExpired, "license expired at %s", p.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Parse validates a key against the grammar and checksum. Expiry is not
// enforced here; callers that care invoke CheckExpiry separately.
func Parse(key, secret string) (*Parsed, error) {
	parts := strings.Split(key, "-")
	if len(parts) < 3 || parts[0] != "SNOW" {
		return nil, trace.Wrap(ErrMalformed, "key does not start with SNOW")
	}

	switch len(parts) {
	case 3: // SNOW-SI-XXXX
		if parts[1] != "SI" || !siTailRe.MatchString(parts[2]) {
			return nil, trace.Wrap(ErrMalformed, "unrecognized short key")
		}
		return &Parsed{
			Tier:             TierEnterprise,
			Org:              parts[2],
			DeveloperSeats:   Unlimited(),
			StakeholderSeats: Unlimited(),
			Format:           FormatOpaque,
			Raw:              key,
		}, nil

	case 4: // SNOW-ENT-CUST-XXXX
		if parts[1] != "ENT" || parts[2] != "CUST" || !customerTailRe.MatchString(parts[3]) {
			return nil, trace.Wrap(ErrMalformed, "unrecognized short key")
		}
		return &Parsed{
			Tier:             TierEnterprise,
			Org:              parts[3],
			DeveloperSeats:   Unlimited(),
			StakeholderSeats: Unlimited(),
			Format:           FormatOpaque,
			Raw:              key,
		}, nil

	case 5: // SNOW-TIER-ORG-YYYYMMDD-CHECKSUM
		parsed, err := parseCommon(parts[1], parts[2], parts[3])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := verifyChecksum(strings.Join(parts[:4], "-"), parts[4], secret); err != nil {
			return nil, trace.Wrap(err)
		}
		parsed.DeveloperSeats = Unlimited()
		parsed.StakeholderSeats = Unlimited()
		parsed.Format = FormatLegacy
		parsed.Raw = key
		return parsed, nil

	case 6: // SNOW-TIER-ORG-DEV/STAKE-YYYYMMDD-CHECKSUM
		parsed, err := parseCommon(parts[1], parts[2], parts[4])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		m := seatsRe.FindStringSubmatch(parts[3])
		if m == nil {
			return nil, trace.Wrap(ErrMalformed, "bad seat segment %q", parts[3])
		}
		if err := verifyChecksum(strings.Join(parts[:5], "-"), parts[5], secret); err != nil {
			return nil, trace.Wrap(err)
		}
		dev, _ := strconv.Atoi(m[1])
		stake, _ := strconv.Atoi(m[2])
		parsed.DeveloperSeats = seatsFromWire(dev)
		parsed.StakeholderSeats = seatsFromWire(stake)
		parsed.Format = FormatSeatBased
		parsed.Raw = key
		return parsed, nil

	default:
		return nil, trace.Wrap(ErrMalformed, "key splits into %d segments", len(parts))
	}
}

func parseCommon(rawTier, org, rawDate string) (*Parsed, error) {
	tier, ok := normalizeTier(rawTier)
	if !ok {
		return nil, trace.Wrap(ErrMalformed, "unknown tier %q", rawTier)
	}
	if !orgRe.MatchString(org) {
		return nil, trace.Wrap(ErrMalformed, "bad organization tag %q", org)
	}
	expiresAt, err := time.ParseInLocation(dateLayout, rawDate, time.UTC)
	if err != nil {
		return nil, trace.Wrap(ErrMalformed, "bad expiry date %q", rawDate)
	}
	return &Parsed{Tier: tier, Org: org, ExpiresAt: expiresAt}, nil
}

func verifyChecksum(baseKey, got, secret string) error {
	want := secrets.Checksum(baseKey, secret)
	if !strings.EqualFold(got, want) {
		return trace.Wrap(ErrChecksum)
	}
	return nil
}

func seatsFromWire(n int) SeatLimit {
	if n == 0 {
		return Unlimited()
	}
	return Limit(n)
}

// normalizeTier maps tier aliases onto their canonical short form.
func normalizeTier(s string) (Tier, bool) {
	switch strings.ToUpper(s) {
	case "TEAM":
		return TierTeam, true
	case "PRO", "PROFESSIONAL":
		return TierPro, true
	case "ENT", "ENTERPRISE":
		return TierEnterprise, true
	default:
		return "", false
	}
}

// NormalizeOrg derives the key's organization tag from a raw company name:
// uppercase, alphanumerics only, at most 20 characters.
func NormalizeOrg(raw string) string {
	org := nonAlphaNumRe.ReplaceAllString(strings.ToUpper(raw), "")
	if len(org) > maxOrgLen {
		org = org[:maxOrgLen]
	}
	return org
}

// GenerateParams describes the key to be generated.
type GenerateParams struct {
	Tier Tier
	// Org is the raw organization name; it is normalized into the key tag.
	Org string
	// DevSeats and StakeSeats use the storage convention: -1 (or 0, which
	// cannot be represented on the wire) means unlimited.
	DevSeats   int
	StakeSeats int
	ExpiresAt  time.Time
}

// Generate emits a seat-based key that round-trips through Parse.
func Generate(params GenerateParams, secret string, now time.Time) (string, error) {
	tier, ok := normalizeTier(string(params.Tier))
	if !ok {
		return "", trace.BadParameter("unknown tier %q", params.Tier)
	}
	org := NormalizeOrg(params.Org)
	if org == "" {
		return "", trace.BadParameter("organization name %q normalizes to an empty tag", params.Org)
	}

	dev, err := seatParam(params.DevSeats)
	if err != nil {
		return "", trace.Wrap(err)
	}
	stake, err := seatParam(params.StakeSeats)
	if err != nil {
		return "", trace.Wrap(err)
	}

	expiry := params.ExpiresAt.UTC().Truncate(24 * time.Hour)
	today := now.UTC().Truncate(24 * time.Hour)
	if !expiry.After(today) {
		return "", trace.BadParameter("expiry date %s is not in the future", expiry.Format(dateLayout))
	}
	if expiry.After(today.AddDate(maxLeadYears, 0, 0)) {
		return "", trace.BadParameter("expiry date %s is more than %d years out", expiry.Format(dateLayout), maxLeadYears)
	}

	baseKey := fmt.Sprintf("SNOW-%s-%s-%d/%d-%s",
		tier, org, dev.wire(), stake.wire(), expiry.Format(dateLayout))
	return baseKey + "-" + secrets.Checksum(baseKey, secret), nil
}

func seatParam(n int) (SeatLimit, error) {
	if n < -1 {
		return SeatLimit{}, trace.BadParameter("seat count %d is not valid; use -1 for unlimited", n)
	}
	if n <= 0 {
		return Unlimited(), nil
	}
	return Limit(n), nil
}
