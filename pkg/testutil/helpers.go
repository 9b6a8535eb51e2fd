package testutil

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/keyManager"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Anvil's first pre-funded account
const (
	TestKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	TestAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

var (
	TestContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	TestChainID  = big.NewInt(31337)
	USDNGN       = types.AssetPair{Base: "USD", Quote: "NGN"}
)

// TestBounds accepts USD/NGN rates in [1000, 2000] up to 30s old
func TestBounds() types.Bounds {
	return types.Bounds{
		MinRate: decimal.NewFromInt(1000),
		MaxRate: decimal.NewFromInt(2000),
		MaxAge:  30 * time.Second,
	}
}

// NewTestKeyManager loads the anvil test key. It is closed when the test ends.
func NewTestKeyManager(t *testing.T) *keyManager.KeyManager {
	t.Helper()
	km, err := keyManager.LoadKeyManager(context.Background(), &keyManager.SourceConfig{
		Source: keyManager.SourcePrefix_Hex + TestKeyHex,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = km.Close() })
	return km
}

// NewQuote builds a USD/NGN quote observed at observedAt
func NewQuote(rate string, observedAt time.Time) *types.Quote {
	return &types.Quote{
		Pair:       USDNGN,
		Rate:       decimal.RequireFromString(rate),
		ObservedAt: observedAt,
		Source:     "test",
		ReceivedAt: observedAt,
	}
}
