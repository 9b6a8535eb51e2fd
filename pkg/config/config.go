package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for the price oracle configuration
const (
	EnvOracleConfigFile         = "ORACLE_CONFIG_FILE"
	EnvOracleRPCURL             = "ORACLE_RPC_URL"
	EnvOracleChainID            = "ORACLE_CHAIN_ID"
	EnvOracleNetwork            = "ORACLE_NETWORK"
	EnvOracleContractAddress    = "ORACLE_CONTRACT_ADDRESS"
	EnvOraclePair               = "ORACLE_PAIR"
	EnvOracleProviderURL        = "ORACLE_PROVIDER_URL"
	EnvOracleProviderMethod     = "ORACLE_PROVIDER_METHOD"
	EnvOracleProviderAPIKey     = "ORACLE_PROVIDER_API_KEY"
	EnvOracleProviderRatePath   = "ORACLE_PROVIDER_RATE_PATH"
	EnvOracleProviderTimePath   = "ORACLE_PROVIDER_TIMESTAMP_PATH"
	EnvOracleFetchInterval      = "ORACLE_FETCH_INTERVAL"
	EnvOracleMinRate            = "ORACLE_MIN_RATE"
	EnvOracleMaxRate            = "ORACLE_MAX_RATE"
	EnvOracleMaxQuoteAge        = "ORACLE_MAX_QUOTE_AGE"
	EnvOracleRetryCeiling       = "ORACLE_RETRY_CEILING"
	EnvOracleKeySource          = "ORACLE_KEY_SOURCE"
	EnvOracleKeystorePassword   = "ORACLE_KEYSTORE_PASSWORD"
	EnvOraclePersistenceType    = "ORACLE_PERSISTENCE_TYPE"
	EnvOracleBadgerPath         = "ORACLE_BADGER_PATH"
	EnvOracleRedisAddress       = "ORACLE_REDIS_ADDRESS"
	EnvOracleKafkaBrokers       = "ORACLE_KAFKA_BROKERS"
	EnvOracleKafkaTopic         = "ORACLE_KAFKA_TOPIC"
	EnvOracleStatusPort         = "ORACLE_STATUS_PORT"
	EnvOracleVerbose            = "ORACLE_VERBOSE"
	EnvOracleAWSRegion          = "ORACLE_AWS_REGION"
	EnvOracleConfirmTimeout     = "ORACLE_CONFIRMATION_TIMEOUT"
	EnvOracleShutdownTimeout    = "ORACLE_SHUTDOWN_TIMEOUT"
	EnvOracleProviderRPS        = "ORACLE_PROVIDER_RPS"
	EnvOracleGasLimit           = "ORACLE_GAS_LIMIT"
	EnvOracleMaxGasFeeCapGwei   = "ORACLE_MAX_GAS_FEE_CAP_GWEI"
	EnvOracleRateDecimals       = "ORACLE_RATE_DECIMALS"
	EnvOracleValidityWindow     = "ORACLE_VALIDITY_WINDOW"
	EnvOracleMaxAccountAge      = "ORACLE_MAX_ACCOUNT_AGE"
	EnvOracleBackoffInitial     = "ORACLE_BACKOFF_INITIAL"
	EnvOracleBackoffMax         = "ORACLE_BACKOFF_MAX"
	EnvOracleProviderSourceName = "ORACLE_PROVIDER_SOURCE"
)

type ChainId uint

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_EthereumSepolia ChainId = 11155111
	ChainId_EthereumAnvil   ChainId = 31337
)

type ChainName string

const (
	ChainName_EthereumMainnet ChainName = "mainnet"
	ChainName_EthereumSepolia ChainName = "sepolia"
	ChainName_EthereumAnvil   ChainName = "devnet"
)

var ChainIdToName = map[ChainId]ChainName{
	ChainId_EthereumMainnet: ChainName_EthereumMainnet,
	ChainId_EthereumSepolia: ChainName_EthereumSepolia,
	ChainId_EthereumAnvil:   ChainName_EthereumAnvil,
}
var ChainNameToId = map[ChainName]ChainId{
	ChainName_EthereumMainnet: ChainId_EthereumMainnet,
	ChainName_EthereumSepolia: ChainId_EthereumSepolia,
	ChainName_EthereumAnvil:   ChainId_EthereumAnvil,
}

// Network is the coarse network selection exposed to operators
type Network string

const (
	Network_Public Network = "public"
	Network_Test   Network = "test"
	Network_Local  Network = "local"
)

var NetworkToChainId = map[Network]ChainId{
	Network_Public: ChainId_EthereumMainnet,
	Network_Test:   ChainId_EthereumSepolia,
	Network_Local:  ChainId_EthereumAnvil,
}

func IsEthereum(chainId ChainId) bool {
	return chainId == ChainId_EthereumMainnet || chainId == ChainId_EthereumSepolia || chainId == ChainId_EthereumAnvil
}

// GetConfirmationTimeoutForChain returns how long to wait for inclusion before
// asking the ledger for the transaction's fate
func GetConfirmationTimeoutForChain(chainId ChainId) time.Duration {
	switch chainId {
	case ChainId_EthereumMainnet:
		// ~5 blocks at 12s
		return 60 * time.Second
	case ChainId_EthereumSepolia:
		return 45 * time.Second
	case ChainId_EthereumAnvil:
		return 10 * time.Second
	default:
		return 60 * time.Second
	}
}

// GetSupportedChainIDsString returns supported chain IDs as strings for CLI help
func GetSupportedChainIDsString() string {
	return fmt.Sprintf("%d (mainnet), %d (sepolia), %d (anvil)",
		ChainId_EthereumMainnet, ChainId_EthereumSepolia, ChainId_EthereumAnvil)
}

type PersistenceType string

const (
	PersistenceType_Memory PersistenceType = "memory"
	PersistenceType_Badger PersistenceType = "badger"
	PersistenceType_Redis  PersistenceType = "redis"
)

// ProviderConfig describes the external price provider
type ProviderConfig struct {
	URL           string        `json:"url" yaml:"url"`
	Method        string        `json:"method" yaml:"method"`
	APIKey        string        `json:"apiKey" yaml:"apiKey"`
	APIKeyHeader  string        `json:"apiKeyHeader" yaml:"apiKeyHeader"`
	RatePath      string        `json:"ratePath" yaml:"ratePath"`
	TimestampPath string        `json:"timestampPath" yaml:"timestampPath"`
	Source        string        `json:"source" yaml:"source"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	// RequestsPerSecond paces outgoing requests; 0 disables pacing
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
}

// BoundsConfig holds the validator thresholds as strings so that decimal
// precision survives YAML/env parsing
type BoundsConfig struct {
	MinRate     string        `json:"minRate" yaml:"minRate"`
	MaxRate     string        `json:"maxRate" yaml:"maxRate"`
	MaxQuoteAge time.Duration `json:"maxQuoteAge" yaml:"maxQuoteAge"`
}

// RetryConfig bounds the attempts within one cycle
type RetryConfig struct {
	Ceiling        int           `json:"ceiling" yaml:"ceiling"`
	InitialBackoff time.Duration `json:"initialBackoff" yaml:"initialBackoff"`
	BackoffFactor  float64       `json:"backoffFactor" yaml:"backoffFactor"`
	MaxBackoff     time.Duration `json:"maxBackoff" yaml:"maxBackoff"`
}

type SubmissionConfig struct {
	GasLimit            uint64        `json:"gasLimit" yaml:"gasLimit"`
	RateDecimals        uint8         `json:"rateDecimals" yaml:"rateDecimals"`
	ValidityWindow      time.Duration `json:"validityWindow" yaml:"validityWindow"`
	MaxAccountAge       time.Duration `json:"maxAccountAge" yaml:"maxAccountAge"`
	ConfirmationTimeout time.Duration `json:"confirmationTimeout" yaml:"confirmationTimeout"`
	ReceiptPollInterval time.Duration `json:"receiptPollInterval" yaml:"receiptPollInterval"`
	// MaxGasFeeCapGwei stops fee-bumped replacements of a stuck envelope
	// above this fee cap. 0 means no ceiling.
	MaxGasFeeCapGwei uint64 `json:"maxGasFeeCapGwei" yaml:"maxGasFeeCapGwei"`
}

type KeyConfig struct {
	// Source is one of hex:<key>, env:<VAR>, file:<path>, keystore:<path>, kms:<path>, generate
	Source           string `json:"source" yaml:"source"`
	KeystorePassword string `json:"-" yaml:"keystorePassword"`
	AWSRegion        string `json:"awsRegion" yaml:"awsRegion"`
}

type PersistenceConfig struct {
	Type           PersistenceType `json:"type" yaml:"type"`
	BadgerPath     string          `json:"badgerPath" yaml:"badgerPath"`
	RedisAddress   string          `json:"redisAddress" yaml:"redisAddress"`
	RedisPassword  string          `json:"-" yaml:"redisPassword"`
	RedisDB        int             `json:"redisDb" yaml:"redisDb"`
	RedisKeyPrefix string          `json:"redisKeyPrefix" yaml:"redisKeyPrefix"`
	HistoryLimit   int             `json:"historyLimit" yaml:"historyLimit"`
}

type SinkConfig struct {
	KafkaBrokers []string `json:"kafkaBrokers" yaml:"kafkaBrokers"`
	KafkaTopic   string   `json:"kafkaTopic" yaml:"kafkaTopic"`
}

// OracleConfig represents the complete configuration for the price oracle
type OracleConfig struct {
	// Chain configuration
	RpcUrl          string    `json:"rpc_url" yaml:"rpcUrl"`
	Network         Network   `json:"network" yaml:"network"`
	ChainID         ChainId   `json:"chain_id" yaml:"chainId"`
	ChainName       ChainName `json:"chain_name" yaml:"-"`
	ContractAddress string    `json:"contract_address" yaml:"contractAddress"`

	// Feed configuration
	Pair          string        `json:"pair" yaml:"pair"`
	FetchInterval time.Duration `json:"fetch_interval" yaml:"fetchInterval"`

	Provider    ProviderConfig    `json:"provider" yaml:"provider"`
	Bounds      BoundsConfig      `json:"bounds" yaml:"bounds"`
	Retry       RetryConfig       `json:"retry" yaml:"retry"`
	Submission  SubmissionConfig  `json:"submission" yaml:"submission"`
	Key         KeyConfig         `json:"key" yaml:"key"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Sinks       SinkConfig        `json:"sinks" yaml:"sinks"`

	// Operational settings
	StatusPort      int           `json:"status_port" yaml:"statusPort"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdownTimeout"`
	Debug           bool          `json:"debug" yaml:"debug"`
	Verbose         bool          `json:"verbose" yaml:"verbose"`
}

// NewDefaultOracleConfig returns a config with every optional field populated
func NewDefaultOracleConfig() *OracleConfig {
	return &OracleConfig{
		RpcUrl:        "http://localhost:8545",
		Network:       Network_Local,
		FetchInterval: 60 * time.Second,
		Provider: ProviderConfig{
			Method:       "GET",
			APIKeyHeader: "Authorization",
			RatePath:     "rate",
			Source:       "http",
			Timeout:      10 * time.Second,
		},
		Bounds: BoundsConfig{
			MaxQuoteAge: 30 * time.Second,
		},
		Retry: RetryConfig{
			Ceiling:        5,
			InitialBackoff: 500 * time.Millisecond,
			BackoffFactor:  2,
			MaxBackoff:     30 * time.Second,
		},
		Submission: SubmissionConfig{
			GasLimit:            150_000,
			RateDecimals:        8,
			ValidityWindow:      2 * time.Minute,
			MaxAccountAge:       15 * time.Second,
			ReceiptPollInterval: time.Second,
		},
		Key: KeyConfig{
			Source: "generate",
		},
		Persistence: PersistenceConfig{
			Type:         PersistenceType_Memory,
			BadgerPath:   "./data/oracle",
			HistoryLimit: 100,
		},
		StatusPort:      8000,
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadOracleConfigFile overlays a YAML file onto the defaults
func LoadOracleConfigFile(path string) (*OracleConfig, error) {
	cfg := NewDefaultOracleConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// AssetPair parses the configured pair
func (c *OracleConfig) AssetPair() (types.AssetPair, error) {
	return types.ParseAssetPair(c.Pair)
}

// QuoteBounds converts the configured thresholds into validator bounds.
// Validate must have succeeded first.
func (c *OracleConfig) QuoteBounds() types.Bounds {
	return types.Bounds{
		MinRate: decimal.RequireFromString(c.Bounds.MinRate),
		MaxRate: decimal.RequireFromString(c.Bounds.MaxRate),
		MaxAge:  c.Bounds.MaxQuoteAge,
	}
}

// Validate validates the oracle configuration and fills derived fields
func (c *OracleConfig) Validate() error {
	var allErrors field.ErrorList

	if c.RpcUrl == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("rpcUrl"), "rpcUrl is required"))
	}

	if c.ChainID == 0 && c.Network != "" {
		chainId, ok := NetworkToChainId[c.Network]
		if !ok {
			allErrors = append(allErrors, field.NotSupported(field.NewPath("network"), c.Network,
				[]string{string(Network_Public), string(Network_Test), string(Network_Local)}))
		}
		c.ChainID = chainId
	}
	if chainName, ok := ChainIdToName[c.ChainID]; ok {
		c.ChainName = chainName
	} else {
		allErrors = append(allErrors, field.Invalid(field.NewPath("chainId"), c.ChainID,
			fmt.Sprintf("unsupported chain ID. Supported: %s", GetSupportedChainIDsString())))
	}

	if c.ContractAddress == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("contractAddress"), "contractAddress is required"))
	} else if !common.IsHexAddress(c.ContractAddress) {
		allErrors = append(allErrors, field.Invalid(field.NewPath("contractAddress"), c.ContractAddress, "invalid address format"))
	}

	if _, err := c.AssetPair(); err != nil {
		allErrors = append(allErrors, field.Invalid(field.NewPath("pair"), c.Pair, err.Error()))
	}
	if c.FetchInterval <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("fetchInterval"), c.FetchInterval, "must be positive"))
	}

	allErrors = append(allErrors, c.validateProvider(field.NewPath("provider"))...)
	allErrors = append(allErrors, c.validateBounds(field.NewPath("bounds"))...)

	retryPath := field.NewPath("retry")
	if c.Retry.Ceiling < 1 {
		allErrors = append(allErrors, field.Invalid(retryPath.Child("ceiling"), c.Retry.Ceiling, "must be at least 1"))
	}
	if c.Retry.InitialBackoff < 0 {
		allErrors = append(allErrors, field.Invalid(retryPath.Child("initialBackoff"), c.Retry.InitialBackoff, "must not be negative"))
	}
	if c.Retry.BackoffFactor != 0 && c.Retry.BackoffFactor < 1 {
		allErrors = append(allErrors, field.Invalid(retryPath.Child("backoffFactor"), c.Retry.BackoffFactor, "must be >= 1"))
	}

	subPath := field.NewPath("submission")
	if c.Submission.GasLimit < 21_000 {
		allErrors = append(allErrors, field.Invalid(subPath.Child("gasLimit"), c.Submission.GasLimit, "must be at least 21000"))
	}
	if c.Submission.RateDecimals > 36 {
		allErrors = append(allErrors, field.Invalid(subPath.Child("rateDecimals"), c.Submission.RateDecimals, "must be at most 36"))
	}
	if c.Submission.ValidityWindow <= 0 {
		allErrors = append(allErrors, field.Invalid(subPath.Child("validityWindow"), c.Submission.ValidityWindow, "must be positive"))
	}
	if c.Submission.MaxAccountAge <= 0 {
		allErrors = append(allErrors, field.Invalid(subPath.Child("maxAccountAge"), c.Submission.MaxAccountAge, "must be positive"))
	}
	if c.Submission.ConfirmationTimeout == 0 {
		c.Submission.ConfirmationTimeout = GetConfirmationTimeoutForChain(c.ChainID)
	}
	if c.Submission.ConfirmationTimeout >= c.Submission.ValidityWindow {
		allErrors = append(allErrors, field.Invalid(subPath.Child("confirmationTimeout"), c.Submission.ConfirmationTimeout,
			"must be shorter than validityWindow"))
	}

	if c.Key.Source == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("key", "source"), "key source is required"))
	}

	persistencePath := field.NewPath("persistence")
	switch c.Persistence.Type {
	case PersistenceType_Memory:
	case PersistenceType_Badger:
		if c.Persistence.BadgerPath == "" {
			allErrors = append(allErrors, field.Required(persistencePath.Child("badgerPath"), "required for badger persistence"))
		}
	case PersistenceType_Redis:
		if c.Persistence.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(persistencePath.Child("redisAddress"), "required for redis persistence"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(persistencePath.Child("type"), c.Persistence.Type,
			[]string{string(PersistenceType_Memory), string(PersistenceType_Badger), string(PersistenceType_Redis)}))
	}

	if len(c.Sinks.KafkaBrokers) > 0 && c.Sinks.KafkaTopic == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("sinks", "kafkaTopic"), "required when kafka brokers are set"))
	}

	if c.StatusPort < 0 || c.StatusPort > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("statusPort"), c.StatusPort, "must be between 0-65535"))
	}
	if c.ShutdownTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("shutdownTimeout"), c.ShutdownTimeout, "must be positive"))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func (c *OracleConfig) validateProvider(path *field.Path) field.ErrorList {
	var errs field.ErrorList
	if c.Provider.URL == "" {
		errs = append(errs, field.Required(path.Child("url"), "provider url is required"))
	}
	method := strings.ToUpper(c.Provider.Method)
	if method != "GET" && method != "POST" {
		errs = append(errs, field.NotSupported(path.Child("method"), c.Provider.Method, []string{"GET", "POST"}))
	}
	c.Provider.Method = method
	if c.Provider.RatePath == "" {
		errs = append(errs, field.Required(path.Child("ratePath"), "rate path is required"))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, field.Invalid(path.Child("timeout"), c.Provider.Timeout, "must be positive"))
	}
	if c.Provider.RequestsPerSecond < 0 {
		errs = append(errs, field.Invalid(path.Child("requestsPerSecond"), c.Provider.RequestsPerSecond, "must not be negative"))
	}
	return errs
}

func (c *OracleConfig) validateBounds(path *field.Path) field.ErrorList {
	var errs field.ErrorList
	minRate, err := decimal.NewFromString(c.Bounds.MinRate)
	if err != nil {
		errs = append(errs, field.Invalid(path.Child("minRate"), c.Bounds.MinRate, "must be a decimal number"))
	}
	maxRate, err2 := decimal.NewFromString(c.Bounds.MaxRate)
	if err2 != nil {
		errs = append(errs, field.Invalid(path.Child("maxRate"), c.Bounds.MaxRate, "must be a decimal number"))
	}
	if err == nil && err2 == nil {
		if !minRate.IsPositive() {
			errs = append(errs, field.Invalid(path.Child("minRate"), c.Bounds.MinRate, "must be positive"))
		}
		if maxRate.LessThan(minRate) {
			errs = append(errs, field.Invalid(path.Child("maxRate"), c.Bounds.MaxRate, "must be >= minRate"))
		}
	}
	if c.Bounds.MaxQuoteAge <= 0 {
		errs = append(errs, field.Invalid(path.Child("maxQuoteAge"), c.Bounds.MaxQuoteAge, "must be positive"))
	}
	return errs
}
