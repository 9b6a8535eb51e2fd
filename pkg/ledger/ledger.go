// Package ledger is the oracle's view of the EVM chain it submits to.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/Layr-Labs/chain-indexer/pkg/clients/ethereum"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	goEthereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ILedger is every chain interaction the oracle performs
type ILedger interface {
	GetAccountState(ctx context.Context, address common.Address) (*types.AccountState, error)
	SendTransaction(ctx context.Context, tx *ethTypes.Transaction) error
	GetTransactionStatus(ctx context.Context, hash common.Hash) (*types.TxStatus, error)
}

// EthClient is the subset of *ethclient.Client used here
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethTypes.Header, error)
	SendTransaction(ctx context.Context, tx *ethTypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethTypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *ethTypes.Transaction, isPending bool, err error)
}

type LedgerConfig struct {
	// FallbackGasTipCap is used when the node cannot suggest a priority fee
	FallbackGasTipCap *big.Int
	// BaseFeeMultiplier buffers the fee cap against base fee growth
	BaseFeeMultiplier int64
}

func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		FallbackGasTipCap: big.NewInt(1_500_000_000), // 1.5 gwei
		BaseFeeMultiplier: 2,
	}
}

type EthLedger struct {
	client EthClient
	config *LedgerConfig
	logger *zap.Logger
	now    func() time.Time

	chainMu sync.Mutex
	chainID *big.Int
}

func NewEthLedger(client EthClient, cfg *LedgerConfig, l *zap.Logger) *EthLedger {
	if cfg == nil {
		cfg = DefaultLedgerConfig()
	}
	return &EthLedger{
		client: client,
		config: cfg,
		logger: l,
		now:    time.Now,
	}
}

// NewEthLedgerFromURL dials rpcUrl through the chain-indexer ethereum client
func NewEthLedgerFromURL(rpcUrl string, cfg *LedgerConfig, l *zap.Logger) (*EthLedger, error) {
	ethereumClient := ethereum.NewEthereumClient(&ethereum.EthereumClientConfig{
		BaseUrl:   rpcUrl,
		BlockType: ethereum.BlockType_Latest,
	}, l)

	ethClient, err := ethereumClient.GetEthereumContractCaller()
	if err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeLedgerUnreachable, err, "failed to create ethereum client").
			With("rpcUrl", rpcUrl)
	}
	return NewEthLedger(ethClient, cfg, l), nil
}

// ChainID returns the chain id reported by the node, cached after the first call
func (e *EthLedger) ChainID(ctx context.Context) (*big.Int, error) {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()
	if e.chainID != nil {
		return e.chainID, nil
	}
	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		return nil, unreachable(err, "failed to get chain ID")
	}
	e.chainID = chainID
	return chainID, nil
}

// GetAccountState reads nonce, balance and current fee suggestions for address.
// It is never cached.
func (e *EthLedger) GetAccountState(ctx context.Context, address common.Address) (*types.AccountState, error) {
	chainID, err := e.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := e.client.PendingNonceAt(ctx, address)
	if err != nil {
		return nil, unreachable(err, "failed to get nonce").With("address", address.String())
	}

	balance, err := e.client.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, unreachable(err, "failed to get balance").With("address", address.String())
	}

	gasTipCap, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		// eth_maxPriorityFeePerGas is not supported everywhere
		e.logger.Sugar().Warnw("Cannot get gasTipCap, using fallback",
			"error", err,
			"fallback", e.config.FallbackGasTipCap.String(),
		)
		gasTipCap = new(big.Int).Set(e.config.FallbackGasTipCap)
	}

	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, unreachable(err, "failed to get latest block header")
	}

	// maxFee = baseFee * multiplier + tip
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if header.BaseFee != nil {
		gasFeeCap.Add(gasFeeCap, new(big.Int).Mul(header.BaseFee, big.NewInt(e.config.BaseFeeMultiplier)))
	}

	return &types.AccountState{
		Address:        address,
		SequenceNumber: int64(nonce) - 1,
		Balance:        balance,
		ChainID:        chainID,
		GasTipCap:      gasTipCap,
		GasFeeCap:      gasFeeCap,
		FetchedAt:      e.now(),
	}, nil
}

// SendTransaction broadcasts a signed transaction. Resending a transaction the
// node already holds succeeds.
func (e *EthLedger) SendTransaction(ctx context.Context, tx *ethTypes.Transaction) error {
	err := e.client.SendTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	classified := ClassifySendError(err)
	if classified == nil {
		e.logger.Sugar().Debugw("Transaction already known to node", "txHash", tx.Hash().String())
		return nil
	}
	return classified.
		With("txHash", tx.Hash().String()).
		With("nonce", tx.Nonce())
}

// GetTransactionStatus resolves what the chain knows about hash
func (e *EthLedger) GetTransactionStatus(ctx context.Context, hash common.Hash) (*types.TxStatus, error) {
	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err == nil && receipt != nil {
		status := &types.TxStatus{
			Fate:    types.TxFate_Failed,
			GasUsed: receipt.GasUsed,
		}
		if receipt.BlockNumber != nil {
			status.BlockNumber = receipt.BlockNumber.Uint64()
		}
		if receipt.Status == ethTypes.ReceiptStatusSuccessful {
			status.Fate = types.TxFate_Included
		}
		return status, nil
	}
	if err != nil && !errors.Is(err, goEthereum.NotFound) {
		return nil, unreachable(err, "failed to get transaction receipt").With("txHash", hash.String())
	}

	_, _, err = e.client.TransactionByHash(ctx, hash)
	switch {
	case err == nil:
		// known to the node but without a receipt yet
		return &types.TxStatus{Fate: types.TxFate_Pending}, nil
	case errors.Is(err, goEthereum.NotFound):
		return &types.TxStatus{Fate: types.TxFate_Unknown}, nil
	default:
		return nil, unreachable(err, "failed to get transaction").With("txHash", hash.String())
	}
}

func unreachable(err error, msg string) *oracleErrors.Error {
	return oracleErrors.Wrap(oracleErrors.CodeLedgerUnreachable, err, "%s", msg)
}

// rejectionReasons are node errors after which the envelope can never be accepted
var rejectionReasons = []string{
	"nonce too low",
	"nonce too high",
	"insufficient funds",
	"intrinsic gas too low",
	"max fee per gas less than block base fee",
	"fee cap less than block base fee",
	"transaction underpriced",
	"replacement transaction underpriced",
	"exceeds block gas limit",
	"invalid sender",
	"invalid chain id",
}

var alreadyKnownReasons = []string{
	"already known",
	"known transaction",
	"already imported",
}

// ClassifySendError maps a node error from eth_sendRawTransaction onto the
// error taxonomy. It returns nil when the node already holds the transaction.
func ClassifySendError(err error) *oracleErrors.Error {
	msg := strings.ToLower(err.Error())
	for _, reason := range alreadyKnownReasons {
		if strings.Contains(msg, reason) {
			return nil
		}
	}
	for _, reason := range rejectionReasons {
		if strings.Contains(msg, reason) {
			return oracleErrors.Wrap(oracleErrors.CodeRejected, err, "ledger rejected transaction").
				With("reason", reason)
		}
	}
	return unreachable(err, "failed to send transaction")
}
