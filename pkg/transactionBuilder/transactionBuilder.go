// Package transactionBuilder turns a validated quote and a fresh account
// state into an unsigned submitPrice transaction.
package transactionBuilder

import (
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/quoteValidator"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/util"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

type TransactionBuilderConfig struct {
	ContractAddress common.Address
	// Identity is the submitting account; envelopes for any other account are refused
	Identity       common.Address
	Bounds         types.Bounds
	GasLimit       uint64
	RateDecimals   uint8
	ValidityWindow time.Duration
	MaxAccountAge  time.Duration
}

type TransactionBuilder struct {
	config *TransactionBuilderConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewTransactionBuilder(cfg *TransactionBuilderConfig, l *zap.Logger) *TransactionBuilder {
	return &TransactionBuilder{
		config: cfg,
		logger: l,
		now:    time.Now,
	}
}

// Build creates an envelope carrying exactly one price attestation at sequence
// account.SequenceNumber+1. It fails with SequenceStale when account was read
// too long ago and with InvalidQuote when quote no longer validates.
func (b *TransactionBuilder) Build(account *types.AccountState, quote *types.Quote) (*types.UnsignedEnvelope, error) {
	now := b.now()

	if _, err := quoteValidator.Validate(quote, now, b.config.Bounds); err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeInvalidQuote, err, "quote failed re-validation at build time")
	}

	if account == nil {
		return nil, oracleErrors.New(oracleErrors.CodeSequenceStale, "no account state")
	}
	if account.Address != b.config.Identity {
		return nil, oracleErrors.New(oracleErrors.CodeIllegalTransition, "account state belongs to another identity").
			With("account", account.Address.String()).
			With("identity", b.config.Identity.String())
	}
	if age := now.Sub(account.FetchedAt); age > b.config.MaxAccountAge {
		return nil, oracleErrors.New(oracleErrors.CodeSequenceStale, "account state is too old to build on").
			With("age", age).
			With("maxAge", b.config.MaxAccountAge)
	}
	if account.ChainID == nil || account.GasFeeCap == nil || account.GasTipCap == nil {
		return nil, oracleErrors.New(oracleErrors.CodeSequenceStale, "account state is missing chain or fee data")
	}

	validAfter := now
	validUntil := now.Add(b.config.ValidityWindow)
	attestation := types.PriceAttestation{
		FeedID:     quote.Pair.ID(),
		Pair:       quote.Pair,
		Rate:       quote.Rate,
		ScaledRate: util.ScaleRate(quote.Rate, b.config.RateDecimals),
		Decimals:   b.config.RateDecimals,
		ObservedAt: quote.ObservedAt,
	}
	if attestation.ScaledRate.Sign() <= 0 {
		return nil, oracleErrors.New(oracleErrors.CodeInvalidQuote, "rate rounds to zero at configured precision").
			With("rate", quote.Rate.String()).
			With("decimals", b.config.RateDecimals)
	}

	data, err := util.EncodeSubmitPrice(&util.SubmitPriceCall{
		FeedID:     attestation.FeedID,
		Rate:       attestation.ScaledRate,
		Decimals:   attestation.Decimals,
		ObservedAt: uint64(quote.ObservedAt.Unix()),
		ValidAfter: uint64(validAfter.Unix()),
		ValidUntil: uint64(validUntil.Unix()),
	})
	if err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeInvalidQuote, err, "failed to encode submitPrice")
	}

	sequence := account.NextSequence()
	to := b.config.ContractAddress
	tx := ethTypes.NewTx(&ethTypes.DynamicFeeTx{
		ChainID:   account.ChainID,
		Nonce:     sequence,
		GasTipCap: account.GasTipCap,
		GasFeeCap: account.GasFeeCap,
		Gas:       b.config.GasLimit,
		To:        &to,
		Data:      data,
	})

	b.logger.Sugar().Debugw("Built envelope",
		"pair", quote.Pair.String(),
		"rate", quote.Rate.String(),
		"sequence", sequence,
		"validUntil", validUntil,
	)

	return &types.UnsignedEnvelope{
		SourceAccount:  account.Address,
		SequenceNumber: sequence,
		Operations:     []types.PriceAttestation{attestation},
		ValidAfter:     validAfter,
		ValidUntil:     validUntil,
		ChainID:        account.ChainID,
		Tx:             tx,
	}, nil
}
