package util

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func Test_SubmitPriceSelector(t *testing.T) {
	data, err := EncodeSubmitPrice(&SubmitPriceCall{FeedID: common.HexToHash("0x01"), Rate: big.NewInt(1)})
	require.NoError(t, err)

	selector := crypto.Keccak256([]byte("submitPrice(bytes32,uint256,uint8,uint64,uint64,uint64)"))[:4]
	require.Equal(t, selector, data[:4])
	require.Len(t, data, 4+6*32)
}

func Test_EncodeSubmitPriceRejectsNonPositive(t *testing.T) {
	_, err := EncodeSubmitPrice(&SubmitPriceCall{Rate: big.NewInt(0)})
	require.Error(t, err)
	_, err = EncodeSubmitPrice(&SubmitPriceCall{})
	require.Error(t, err)
}

func Test_ScaleRate(t *testing.T) {
	tests := []struct {
		rate     string
		decimals uint8
		want     string
	}{
		{"1500.25", 8, "150025000000"},
		{"1500.25", 2, "150025"},
		{"1500.257", 2, "150025"},
		{"0.00000001", 8, "1"},
		{"1", 18, "1000000000000000000"},
	}
	for _, tt := range tests {
		got := ScaleRate(decimal.RequireFromString(tt.rate), tt.decimals)
		require.Equal(t, tt.want, got.String(), "%s@%d", tt.rate, tt.decimals)
	}
	require.True(t, UnscaleRate(big.NewInt(150025000000), 8).Equal(decimal.RequireFromString("1500.25")))
}

func FuzzSubmitPriceRoundTrip(f *testing.F) {
	f.Add([]byte("USD/NGN"), int64(150025000000), uint8(8), uint64(1_700_000_000), uint64(120))
	f.Add([]byte("ETH/USD"), int64(1), uint8(0), uint64(0), uint64(0))

	f.Fuzz(func(t *testing.T, feed []byte, rate int64, decimals uint8, observedAt uint64, window uint64) {
		if rate <= 0 {
			rate = -rate + 1
			if rate <= 0 {
				rate = 1
			}
		}
		call := &SubmitPriceCall{
			FeedID:     crypto.Keccak256Hash(feed),
			Rate:       big.NewInt(rate),
			Decimals:   decimals,
			ObservedAt: observedAt,
			ValidAfter: observedAt,
			ValidUntil: observedAt + window,
		}

		encoded, err := EncodeSubmitPrice(call)
		require.NoError(t, err)

		decoded, err := DecodeSubmitPrice(encoded)
		require.NoError(t, err)
		require.Equal(t, call.FeedID, decoded.FeedID)
		require.Equal(t, 0, call.Rate.Cmp(decoded.Rate))
		require.Equal(t, call.Decimals, decoded.Decimals)
		require.Equal(t, call.ObservedAt, decoded.ObservedAt)
		require.Equal(t, call.ValidAfter, decoded.ValidAfter)
		require.Equal(t, call.ValidUntil, decoded.ValidUntil)
	})
}
