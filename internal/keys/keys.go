// Package keys derives ed25519 keypairs from a single master secret.
//
// Every wallet the engine controls (payment addresses, per-order budget
// wallets, per-task trading wallets, the two treasuries) is a pure function
// of the master secret plus a context label and salt. No private key is ever
// written to durable storage or logs; holders of the master secret can
// reconstruct spending authority for any derived address at any time.
package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"
)

// Derivation context labels. Changing any of these orphans every wallet
// derived under the old label.
const (
	LabelPayment      = "payment"
	LabelOpsBudget    = "ops-budget"
	LabelTask         = "task"
	LabelTreasuryOps  = "treasury-operations"
	LabelTreasuryFees = "treasury-fees"
)

// masterSecretLen is the required decoded length of the master secret.
const masterSecretLen = 32

var (
	ErrMissingMasterSecret = errors.New("keys: master secret is not configured")
)

// Keypair is a derived ed25519 signing capability. It lives only in process
// memory.
type Keypair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// Address returns the base58-encoded public key.
func (k *Keypair) Address() string {
	return base58.Encode(k.pub)
}

// Sign signs msg with the derived private key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Deriver derives keypairs from the master secret. It is safe for concurrent
// use; the secret is read-only after construction.
type Deriver struct {
	master []byte
}

// NewDeriver validates the hex-encoded master secret and returns a Deriver.
// A missing or malformed secret is fatal to the caller: no fund-moving
// operation may proceed without a valid deriver.
func NewDeriver(masterSecretHex string) (*Deriver, error) {
	if masterSecretHex == "" {
		return nil, ErrMissingMasterSecret
	}
	secret, err := hex.DecodeString(masterSecretHex)
	if err != nil {
		return nil, fmt.Errorf("keys: master secret is not valid hex: %w", err)
	}
	if len(secret) != masterSecretLen {
		return nil, fmt.Errorf("keys: master secret must be %d bytes, got %d", masterSecretLen, len(secret))
	}
	return &Deriver{master: secret}, nil
}

// Derive returns the keypair for (label, salt) via HKDF-SHA256 over the
// master secret, with salt as the KDF salt and label as the info parameter.
// Same inputs always yield the same keypair; distinct labels or salts yield
// independent keys.
func (d *Deriver) Derive(label, salt string) *Keypair {
	kdf := hkdf.New(sha256.New, d.master, []byte(salt), []byte(label))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		// HKDF-SHA256 yields far more than one seed's worth of output.
		panic(fmt.Sprintf("keys: hkdf expand failed: %v", err))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}
}

// PaymentKeypair returns the payment wallet for an order.
func (d *Deriver) PaymentKeypair(orderID string) *Keypair {
	return d.Derive(LabelPayment, orderID)
}

// OpsBudgetKeypair returns the isolated operations budget wallet for an
// order. Task funding is drawn exclusively from this wallet, which caps how
// much a single order's tasks can ever spend.
func (d *Deriver) OpsBudgetKeypair(orderID string) *Keypair {
	return d.Derive(LabelOpsBudget, orderID)
}

// TaskKeypair returns the trading wallet for a task.
func (d *Deriver) TaskKeypair(taskID string) *Keypair {
	return d.Derive(LabelTask, taskID)
}

// OperationsTreasury returns the global operations treasury keypair.
func (d *Deriver) OperationsTreasury() *Keypair {
	return d.Derive(LabelTreasuryOps, "")
}

// FeesTreasury returns the global service-fee treasury keypair.
func (d *Deriver) FeesTreasury() *Keypair {
	return d.Derive(LabelTreasuryFees, "")
}
