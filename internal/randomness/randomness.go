// Package randomness implements two-party commit-reveal randomness.
//
// The provider commits to its own secret before it records the user's
// commitment. The combined value depends on both secrets, so neither the
// user nor the provider can predict it alone before the reveal.
package randomness

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/fairvest/execution-engine/internal/apperrors"
	"github.com/fairvest/execution-engine/internal/sequence"
)

var (
	ErrRevealNotReady = apperrors.New(apperrors.KindRevealNotReady, "randomness: reveal not ready")
	ErrSeedMismatch   = apperrors.New(apperrors.KindValidation, "randomness: seed does not match commitment")
	ErrUnknownHandle  = apperrors.New(apperrors.KindNotFound, "randomness: unknown commitment handle")
	ErrInvalidSeed    = apperrors.New(apperrors.KindValidation, "randomness: seed must be non-zero")
)

// Commitment is the public half of an open commitment.
type Commitment struct {
	Handle             uint64      `json:"handle"`
	UserCommitment     common.Hash `json:"user_commitment"`
	ProviderCommitment common.Hash `json:"provider_commitment"`
	OpenedAt           time.Time   `json:"opened_at"`
	RevealableAt       time.Time   `json:"revealable_at"`
}

// Provider is the randomness service.
type Provider interface {
	// OpenCommitment records keccak256(userSeed) against a fresh provider
	// commitment and returns its handle.
	OpenCommitment(ctx context.Context, userSeed common.Hash) (Commitment, error)

	// Ready returns nil once the handle can be revealed, ErrRevealNotReady
	// before that and ErrUnknownHandle for a handle never issued.
	Ready(ctx context.Context, handle uint64) error

	// Reveal returns the combined random value. The seed must be the one
	// committed at OpenCommitment.
	Reveal(ctx context.Context, handle uint64, userSeed common.Hash) (common.Hash, error)
}

// UserCommitment is the commitment recorded for a user seed.
func UserCommitment(seed common.Hash) common.Hash {
	return crypto.Keccak256Hash(seed.Bytes())
}

// Combine derives the random value from both revealed secrets and the
// handle: keccak256(userSeed ‖ providerSecret ‖ uint256(handle)).
func Combine(userSeed, providerSecret common.Hash, handle uint64) common.Hash {
	h := uint256.NewInt(handle).Bytes32()
	return crypto.Keccak256Hash(userSeed.Bytes(), providerSecret.Bytes(), h[:])
}

type record struct {
	Commitment
	secret common.Hash
}

// LocalProvider is an in-process Provider. Its secrets come from
// crypto/rand and become revealable after a fixed delay.
type LocalProvider struct {
	ids     *sequence.Sequence
	delay   time.Duration
	entropy io.Reader
	now     func() time.Time

	mu      sync.RWMutex
	records map[uint64]*record
}

// NewLocalProvider creates a provider whose commitments become revealable
// delay after they are opened.
func NewLocalProvider(ids *sequence.Sequence, delay time.Duration) *LocalProvider {
	return &LocalProvider{
		ids:     ids,
		delay:   delay,
		entropy: rand.Reader,
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[uint64]*record),
	}
}

// SetClock replaces the provider's clock. Tests only.
func (p *LocalProvider) SetClock(now func() time.Time) { p.now = now }

// SetEntropy replaces the secret source. Tests only.
func (p *LocalProvider) SetEntropy(r io.Reader) { p.entropy = r }

func (p *LocalProvider) OpenCommitment(_ context.Context, userSeed common.Hash) (Commitment, error) {
	if userSeed == (common.Hash{}) {
		return Commitment{}, ErrInvalidSeed
	}

	// Provider side first: the secret and its commitment exist before
	// the user's commitment is looked at.
	var secret common.Hash
	if _, err := io.ReadFull(p.entropy, secret[:]); err != nil {
		return Commitment{}, fmt.Errorf("randomness: read entropy: %w", err)
	}
	providerCommitment := crypto.Keccak256Hash(secret.Bytes())

	now := p.now()
	rec := &record{
		Commitment: Commitment{
			Handle:             p.ids.Next(),
			UserCommitment:     UserCommitment(userSeed),
			ProviderCommitment: providerCommitment,
			OpenedAt:           now,
			RevealableAt:       now.Add(p.delay),
		},
		secret: secret,
	}

	p.mu.Lock()
	p.records[rec.Handle] = rec
	p.mu.Unlock()

	slog.Debug("commitment opened", "handle", rec.Handle, "revealable_at", rec.RevealableAt)
	return rec.Commitment, nil
}

func (p *LocalProvider) Ready(_ context.Context, handle uint64) error {
	_, err := p.ready(handle)
	return err
}

func (p *LocalProvider) Reveal(_ context.Context, handle uint64, userSeed common.Hash) (common.Hash, error) {
	rec, err := p.ready(handle)
	if err != nil {
		return common.Hash{}, err
	}
	if UserCommitment(userSeed) != rec.UserCommitment {
		return common.Hash{}, fmt.Errorf("%w: handle %d", ErrSeedMismatch, handle)
	}
	return Combine(userSeed, rec.secret, handle), nil
}

// Commitment returns the public record of a handle.
func (p *LocalProvider) Commitment(handle uint64) (Commitment, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[handle]
	if !ok {
		return Commitment{}, fmt.Errorf("%w: %d", ErrUnknownHandle, handle)
	}
	return rec.Commitment, nil
}

func (p *LocalProvider) ready(handle uint64) (*record, error) {
	p.mu.RLock()
	rec, ok := p.records[handle]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, handle)
	}
	if p.now().Before(rec.RevealableAt) {
		return nil, fmt.Errorf("%w: handle %d revealable at %s", ErrRevealNotReady, handle, rec.RevealableAt.Format(time.RFC3339))
	}
	return rec, nil
}
