package domain

import "fmt"

// Tier classifies a secret by the quota its upstream account grants.
// The tier determines the secret's rate capacity and whether it expires.
type Tier string

const (
	// TierBasic is the default tier with the smallest rate capacity.
	TierBasic Tier = "basic"

	// TierElevated secrets carry a larger per-window allowance.
	TierElevated Tier = "elevated"

	// TierUnlimited secrets carry the largest allowance; the upstream still
	// enforces a ceiling so the pool limits them too.
	TierUnlimited Tier = "unlimited"
)

// Tiers returns every known tier in ascending capacity order.
func Tiers() []Tier {
	return []Tier{TierBasic, TierElevated, TierUnlimited}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierElevated, TierUnlimited:
		return true
	default:
		return false
	}
}

// String returns the string representation of a Tier.
func (t Tier) String() string { return string(t) }

// ParseTier converts a config or request string into a Tier.
// An empty string maps to TierBasic.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return TierBasic, nil
	}
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}
