package domain

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusActive, StatusActive, true},
		{StatusActive, StatusInvalid, true},
		{StatusActive, StatusRetired, true},
		{StatusInvalid, StatusRetired, true},
		{StatusInvalid, StatusInvalid, true},
		{StatusInvalid, StatusActive, false},
		{StatusRetired, StatusRetired, true},
		{StatusRetired, StatusActive, false},
		{StatusRetired, StatusInvalid, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierBasic, tier)

	for _, want := range Tiers() {
		got, err := ParseTier(string(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = ParseTier("platinum")
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("sk_live_abc")
	b := Fingerprint("sk_live_abc")
	c := Fingerprint("sk_live_abd")

	assert.Equal(t, a, b, "fingerprint must be deterministic")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.NotContains(t, a, "sk_live_abc")
	assert.Equal(t, a[:12], ShortFingerprint(a))
	assert.Equal(t, "abc", ShortFingerprint("abc"))
}

func TestSecretRecord_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(24 * time.Hour)

	rec := SecretRecord{Status: StatusActive, ExpiresAt: &expiry}
	assert.False(t, rec.Expired(now))
	assert.True(t, rec.Allocatable(now))
	assert.True(t, rec.Expired(expiry), "expiry instant itself is expired")
	assert.False(t, rec.Allocatable(expiry.Add(time.Nanosecond)))

	noExpiry := SecretRecord{Status: StatusActive}
	assert.False(t, noExpiry.Expired(now.Add(100*365*24*time.Hour)))

	invalid := SecretRecord{Status: StatusInvalid}
	assert.False(t, invalid.Allocatable(now))
}

func TestSecretRecord_CloneDoesNotAlias(t *testing.T) {
	expiry := time.Now()
	rec := SecretRecord{
		ID:        "a",
		Metadata:  map[string]string{"source": "extension"},
		Sealed:    []byte{1, 2, 3},
		ExpiresAt: &expiry,
	}

	clone := rec.Clone()
	clone.Metadata["source"] = "manual"
	clone.Sealed[0] = 9
	*clone.ExpiresAt = expiry.Add(time.Hour)

	assert.Equal(t, "extension", rec.Metadata["source"])
	assert.Equal(t, byte(1), rec.Sealed[0])
	assert.Equal(t, expiry, *rec.ExpiresAt)
}

func TestSecretRecord_NeverLeaksSealedBlob(t *testing.T) {
	rec := SecretRecord{
		ID:          "id-1",
		Fingerprint: Fingerprint("sk_live_abc"),
		Tier:        TierBasic,
		Status:      StatusActive,
		Sealed:      []byte("sealed-bytes"),
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sealed")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("record", "secret", rec)
	out := buf.String()
	assert.Contains(t, out, rec.ShortFingerprint())
	assert.NotContains(t, out, rec.Fingerprint)
	assert.NotContains(t, out, "sealed-bytes")
}

func TestAddSecretRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     AddSecretRequest
		wantErr bool
	}{
		{"valid minimal", AddSecretRequest{Secret: "sk_live_abc"}, false},
		{"valid full", AddSecretRequest{Secret: "sk_live_abc", OwnerRef: "user-1", Tier: TierElevated, Metadata: map[string]string{"source": "bulk"}}, false},
		{"empty secret", AddSecretRequest{}, true},
		{"too short", AddSecretRequest{Secret: "abc"}, true},
		{"embedded space", AddSecretRequest{Secret: "sk_live abc"}, true},
		{"trailing newline", AddSecretRequest{Secret: "sk_live_abc\n"}, true},
		{"non ascii", AddSecretRequest{Secret: "sk_live_äbc"}, true},
		{"too long", AddSecretRequest{Secret: strings.Repeat("a", 4097)}, true},
		{"unknown tier", AddSecretRequest{Secret: "sk_live_abc", Tier: "gold"}, true},
		{"empty metadata key", AddSecretRequest{Secret: "sk_live_abc", Metadata: map[string]string{"": "x"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAddSecretRequest_Normalized(t *testing.T) {
	meta := map[string]string{"k": "v"}
	req := AddSecretRequest{Secret: "sk_live_abc", Metadata: meta}

	n := req.Normalized()
	assert.Equal(t, TierBasic, n.Tier)
	n.Metadata["k"] = "changed"
	assert.Equal(t, "v", meta["k"])
}

func TestUsageSample_Classification(t *testing.T) {
	assert.True(t, UsageSample{StatusCode: 200}.Succeeded())
	assert.True(t, UsageSample{StatusCode: 302}.Succeeded())
	assert.False(t, UsageSample{StatusCode: 200, Error: "reset"}.Succeeded())
	assert.False(t, UsageSample{StatusCode: 500}.Succeeded())

	assert.True(t, UsageSample{StatusCode: 401}.AuthFailure())
	assert.True(t, UsageSample{StatusCode: 403}.AuthFailure())
	assert.False(t, UsageSample{StatusCode: 429}.AuthFailure())
}
