package randomness

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairvest/execution-engine/internal/sequence"
)

func seed(s string) common.Hash {
	return crypto.Keccak256Hash([]byte(s))
}

func newTestProvider(delay time.Duration) (*LocalProvider, *time.Time) {
	p := NewLocalProvider(sequence.New(0), delay)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })
	return p, &now
}

func TestOpenCommitment(t *testing.T) {
	p, _ := newTestProvider(time.Minute)

	c1, err := p.OpenCommitment(context.Background(), seed("alice"))
	require.NoError(t, err)
	c2, err := p.OpenCommitment(context.Background(), seed("bob"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), c1.Handle)
	assert.Equal(t, uint64(2), c2.Handle)
	assert.Equal(t, UserCommitment(seed("alice")), c1.UserCommitment)
	assert.NotEqual(t, c1.ProviderCommitment, c2.ProviderCommitment)
	assert.Equal(t, c1.OpenedAt.Add(time.Minute), c1.RevealableAt)

	_, err = p.OpenCommitment(context.Background(), common.Hash{})
	assert.True(t, errors.Is(err, ErrInvalidSeed))
}

func TestReveal_NotReadyThenReady(t *testing.T) {
	p, now := newTestProvider(time.Minute)
	ctx := context.Background()

	c, err := p.OpenCommitment(ctx, seed("alice"))
	require.NoError(t, err)

	_, err = p.Reveal(ctx, c.Handle, seed("alice"))
	assert.True(t, errors.Is(err, ErrRevealNotReady))
	assert.True(t, errors.Is(p.Ready(ctx, c.Handle), ErrRevealNotReady))

	*now = now.Add(time.Minute)
	require.NoError(t, p.Ready(ctx, c.Handle))

	r1, err := p.Reveal(ctx, c.Handle, seed("alice"))
	require.NoError(t, err)
	r2, err := p.Reveal(ctx, c.Handle, seed("alice"))
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "reveal is deterministic")
}

func TestReveal_Rejections(t *testing.T) {
	p, _ := newTestProvider(0)
	ctx := context.Background()

	c, _ := p.OpenCommitment(ctx, seed("alice"))

	_, err := p.Reveal(ctx, c.Handle, seed("mallory"))
	assert.True(t, errors.Is(err, ErrSeedMismatch))

	_, err = p.Reveal(ctx, 99, seed("alice"))
	assert.True(t, errors.Is(err, ErrUnknownHandle))
	assert.True(t, errors.Is(p.Ready(ctx, 99), ErrUnknownHandle))
}

func TestReveal_DependsOnBothSecrets(t *testing.T) {
	p, _ := newTestProvider(0)
	p.SetEntropy(bytes.NewReader(bytes.Repeat([]byte{7}, 64)))
	ctx := context.Background()

	c, err := p.OpenCommitment(ctx, seed("alice"))
	require.NoError(t, err)
	got, err := p.Reveal(ctx, c.Handle, seed("alice"))
	require.NoError(t, err)

	var secret common.Hash
	copy(secret[:], bytes.Repeat([]byte{7}, 32))
	assert.Equal(t, crypto.Keccak256Hash(secret.Bytes()), c.ProviderCommitment)
	assert.Equal(t, Combine(seed("alice"), secret, c.Handle), got)
	assert.NotEqual(t, Combine(seed("alice"), common.Hash{}, c.Handle), got)
	assert.NotEqual(t, Combine(seed("bob"), secret, c.Handle), got)
}

func TestOpenCommitment_EntropyFailure(t *testing.T) {
	p, _ := newTestProvider(0)
	p.SetEntropy(bytes.NewReader(nil))

	_, err := p.OpenCommitment(context.Background(), seed("alice"))
	assert.Error(t, err)
}

func TestCommitmentLookup(t *testing.T) {
	p, _ := newTestProvider(0)
	c, _ := p.OpenCommitment(context.Background(), seed("alice"))

	got, err := p.Commitment(c.Handle)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = p.Commitment(42)
	assert.True(t, errors.Is(err, ErrUnknownHandle))
}
