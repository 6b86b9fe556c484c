package chain

import (
	"context"
	"encoding/base64"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// Wallet signs transactions with an ed25519 keypair. Key custody is an
// external collaborator's job; Wallet's job is strictly the
// sign(bytes)->bytes and address() surface, never generating or caching
// a key itself.
type Wallet struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
}

// NewWallet builds a Wallet from a base58-encoded private key supplied by
// the caller (typically decoded from an env var or secret manager at
// process start). It never persists the key to disk.
func NewWallet(privateKeyBase58 string) (*Wallet, error) {
	privateKeyBytes, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	var privateKey ed25519.PrivateKey
	switch len(privateKeyBytes) {
	case 64:
		privateKey = ed25519.PrivateKey(privateKeyBytes)
	case 32:
		privateKey = ed25519.NewKeyFromSeed(privateKeyBytes)
	default:
		return nil, fmt.Errorf("invalid private key length: %d (expected 32 or 64)", len(privateKeyBytes))
	}

	publicKey := privateKey.Public().(ed25519.PublicKey)
	address := base58.Encode(publicKey)
	log.Info().Str("address", address).Msg("wallet loaded")

	return &Wallet{privateKey: privateKey, publicKey: publicKey, address: address}, nil
}

// Address returns the base58 public key.
func (w *Wallet) Address() string { return w.address }

// PublicKey returns the raw public key bytes.
func (w *Wallet) PublicKey() []byte { return w.publicKey }

// Sign signs an arbitrary message.
func (w *Wallet) Sign(message []byte) []byte { return ed25519.Sign(w.privateKey, message) }

// SignTransaction signs a raw serialized transaction and base64-encodes
// signature||transaction.
func (w *Wallet) SignTransaction(serializedTx []byte) (string, error) {
	signature := w.Sign(serializedTx)
	signed := append(signature, serializedTx...)
	return base64.StdEncoding.EncodeToString(signed), nil
}

// BalanceTracker caches the wallet's lamport balance between refreshes so
// hot-path admission checks never block on RPC.
type BalanceTracker struct {
	mu              sync.RWMutex
	wallet          *Wallet
	client          *Client
	balanceLamports uint64
}

// NewBalanceTracker constructs a tracker for wallet backed by client.
func NewBalanceTracker(wallet *Wallet, client *Client) *BalanceTracker {
	return &BalanceTracker{wallet: wallet, client: client}
}

// Refresh re-queries the balance over RPC.
func (b *BalanceTracker) Refresh(ctx context.Context) error {
	balance, err := b.client.Balance(ctx, b.wallet.Address(), "")
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.balanceLamports = balance
	b.mu.Unlock()
	return nil
}

// BalanceLamports returns the cached balance.
func (b *BalanceTracker) BalanceLamports() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balanceLamports
}

// BalanceSOL returns the cached balance in SOL.
func (b *BalanceTracker) BalanceSOL() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return float64(b.balanceLamports) / 1e9
}

// SetBalance overwrites the cached balance.
func (b *BalanceTracker) SetBalance(lamports uint64) {
	b.mu.Lock()
	b.balanceLamports = lamports
	b.mu.Unlock()
}

// HasSufficientBalance reports whether the cached balance covers amount
// plus fees.
func (b *BalanceTracker) HasSufficientBalance(amountLamports, feesLamports uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balanceLamports >= amountLamports+feesLamports
}
