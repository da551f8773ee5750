package keypool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/keypool/internal/domain"
)

func TestReserve_FIFOAndCapacity(t *testing.T) {
	r := NewReserve(2)

	n, err := r.Push(
		domain.AddSecretRequest{Secret: "sk_live_one"},
		domain.AddSecretRequest{Secret: "sk_live_two"},
		domain.AddSecretRequest{Secret: "sk_live_three"},
	)
	assert.ErrorIs(t, err, ErrReserveFull)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.Len())

	ctx := context.Background()
	first, ok := r.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "sk_live_one", first.Secret)
	assert.Equal(t, domain.TierBasic, first.Tier, "queued requests are normalized")

	second, ok := r.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "sk_live_two", second.Secret)

	_, ok = r.Next(ctx)
	assert.False(t, ok)
}

func TestReserve_CanceledContext(t *testing.T) {
	r := NewReserve(0)
	_, err := r.Push(domain.AddSecretRequest{Secret: "sk_live_one"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := r.Next(ctx)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}
