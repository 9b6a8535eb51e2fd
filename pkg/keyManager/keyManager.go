// Package keyManager owns the oracle's signing key for the lifetime of the process.
//
// The private key never leaves this package: callers get the public identity and
// signatures only. Close zeroes the key material and every later signing request
// fails with a SignerUnavailable error.
package keyManager

import (
	"crypto/ecdsa"
	"sync"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// ISigner is what the rest of the oracle needs from a key manager
type ISigner interface {
	PublicIdentity() common.Address
	Sign(payload []byte) ([]byte, error)
	SignHash(hash common.Hash) ([]byte, error)
}

type KeyManager struct {
	logger *zap.Logger

	// mu serializes signing and guards privateKey against Close
	mu         sync.Mutex
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewKeyManager takes ownership of privateKey. The caller must not keep
// other references to it.
func NewKeyManager(privateKey *ecdsa.PrivateKey, l *zap.Logger) (*KeyManager, error) {
	if privateKey == nil || privateKey.D == nil || privateKey.D.Sign() == 0 {
		return nil, oracleErrors.New(oracleErrors.CodeSignerUnavailable, "private key is empty")
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	l.Sugar().Infow("Loaded signing key", "address", address.String())
	return &KeyManager{
		logger:     l,
		privateKey: privateKey,
		address:    address,
	}, nil
}

// PublicIdentity returns the account address derived from the key. It stays
// available after Close.
func (k *KeyManager) PublicIdentity() common.Address {
	return k.address
}

// Sign signs keccak256(payload) and returns a 65 byte [R || S || V] signature.
// Signing is deterministic: the same payload always yields the same bytes.
func (k *KeyManager) Sign(payload []byte) ([]byte, error) {
	return k.SignHash(crypto.Keccak256Hash(payload))
}

// SignHash signs a precomputed 32 byte digest such as a transaction signing hash
func (k *KeyManager) SignHash(hash common.Hash) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.privateKey == nil {
		return nil, oracleErrors.New(oracleErrors.CodeSignerUnavailable, "key manager is closed").
			With("address", k.address.String())
	}
	sig, err := crypto.Sign(hash.Bytes(), k.privateKey)
	if err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeSignerUnavailable, err, "failed to sign digest")
	}
	return sig, nil
}

// Close zeroes the private key. It is safe to call more than once.
func (k *KeyManager) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.privateKey == nil {
		return nil
	}
	zeroKey(k.privateKey)
	k.privateKey = nil
	k.logger.Sugar().Infow("Signing key zeroized", "address", k.address.String())
	return nil
}

func (k *KeyManager) IsClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.privateKey == nil
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key.D != nil {
		clear(key.D.Bits())
		key.D.SetInt64(0)
	}
}

// Recover returns the address that produced sig over keccak256(payload)
func Recover(payload []byte, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
