package util

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PriceOracleABI is the oracle contract surface the service calls
const PriceOracleABI = `[
	{
		"type": "function",
		"name": "submitPrice",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "feedId", "type": "bytes32"},
			{"name": "rate", "type": "uint256"},
			{"name": "decimals", "type": "uint8"},
			{"name": "observedAt", "type": "uint64"},
			{"name": "validAfter", "type": "uint64"},
			{"name": "validUntil", "type": "uint64"}
		],
		"outputs": []
	}
]`

const SubmitPriceMethod = "submitPrice"

var priceOracleABI = mustParseABI(PriceOracleABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid price oracle ABI: %v", err))
	}
	return parsed
}

// SubmitPriceCall holds the arguments of submitPrice
type SubmitPriceCall struct {
	FeedID     common.Hash
	Rate       *big.Int
	Decimals   uint8
	ObservedAt uint64
	ValidAfter uint64
	ValidUntil uint64
}

// EncodeSubmitPrice returns the calldata for submitPrice including the selector
func EncodeSubmitPrice(call *SubmitPriceCall) ([]byte, error) {
	if call.Rate == nil || call.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("rate must be positive")
	}
	return priceOracleABI.Pack(SubmitPriceMethod,
		[32]byte(call.FeedID),
		call.Rate,
		call.Decimals,
		call.ObservedAt,
		call.ValidAfter,
		call.ValidUntil,
	)
}

// DecodeSubmitPrice parses calldata produced by EncodeSubmitPrice
func DecodeSubmitPrice(data []byte) (*SubmitPriceCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	method, err := priceOracleABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != SubmitPriceMethod {
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("expected 6 arguments, got %d", len(values))
	}
	return &SubmitPriceCall{
		FeedID:     common.Hash(values[0].([32]byte)),
		Rate:       values[1].(*big.Int),
		Decimals:   values[2].(uint8),
		ObservedAt: values[3].(uint64),
		ValidAfter: values[4].(uint64),
		ValidUntil: values[5].(uint64),
	}, nil
}

// ScaleRate converts a decimal rate to a fixed point integer with the given
// number of decimals. Digits beyond that precision are truncated.
func ScaleRate(rate decimal.Decimal, decimals uint8) *big.Int {
	return rate.Shift(int32(decimals)).BigInt()
}

// UnscaleRate is the inverse of ScaleRate
func UnscaleRate(scaled *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(scaled, -int32(decimals))
}
