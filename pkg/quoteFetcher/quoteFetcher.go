// Package quoteFetcher retrieves exchange-rate quotes from an external HTTP provider.
package quoteFetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/oracleErrors"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// longest rate literal accepted: MaxRateDigits digits plus sign, point and exponent
const maxRateTextLen = 2*types.MaxRateDigits + 8

// IQuoteFetcher retrieves one quote per call. Implementations do not retry.
type IQuoteFetcher interface {
	Fetch(ctx context.Context, pair types.AssetPair) (*types.Quote, error)
}

// FetcherFunc adapts a function to IQuoteFetcher
type FetcherFunc func(ctx context.Context, pair types.AssetPair) (*types.Quote, error)

func (f FetcherFunc) Fetch(ctx context.Context, pair types.AssetPair) (*types.Quote, error) {
	return f(ctx, pair)
}

type HTTPFetcherConfig struct {
	URL          string
	Method       string
	APIKey       string
	APIKeyHeader string
	// RatePath and TimestampPath are gjson paths into the response body
	RatePath      string
	TimestampPath string
	Source        string
	Timeout       time.Duration
	// RequestsPerSecond paces outgoing requests; 0 disables pacing
	RequestsPerSecond float64
}

type HTTPFetcher struct {
	config  *HTTPFetcherConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

func NewHTTPFetcher(cfg *HTTPFetcherConfig, l *zap.Logger) *HTTPFetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	f := &HTTPFetcher{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: l,
		now:    time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return f
}

// Fetch performs exactly one provider request for pair
func (f *HTTPFetcher) Fetch(ctx context.Context, pair types.AssetPair) (*types.Quote, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, oracleErrors.Wrap(oracleErrors.CodeProviderUnreachable, err, "waiting for provider rate limiter")
		}
	}

	req, err := f.newRequest(ctx, pair)
	if err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeProviderUnreachable, err, "failed to build provider request")
	}

	f.logger.Sugar().Debugw("Fetching quote", "pair", pair.String(), "method", req.Method)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeProviderUnreachable, err, "provider request failed").
			With("pair", pair.String())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeProviderUnreachable, err, "failed to read provider response").
			With("pair", pair.String())
	}
	receivedAt := f.now()

	if err := classifyStatus(resp); err != nil {
		return nil, err.With("pair", pair.String())
	}

	return f.parse(pair, body, receivedAt)
}

func (f *HTTPFetcher) newRequest(ctx context.Context, pair types.AssetPair) (*http.Request, error) {
	u, err := url.Parse(f.config.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("from", pair.Base)
	q.Set("to", pair.Quote)
	u.RawQuery = q.Encode()

	var req *http.Request
	if strings.EqualFold(f.config.Method, http.MethodPost) {
		payload, err := json.Marshal(map[string]string{"from": pair.Base, "to": pair.Quote})
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
	}
	req.Header.Set("Accept", "application/json")
	if f.config.APIKey != "" {
		header := f.config.APIKeyHeader
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, f.config.APIKey)
	}
	return req, nil
}

func classifyStatus(resp *http.Response) *oracleErrors.Error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := oracleErrors.New(oracleErrors.CodeProviderRateLimited, "provider rate limited the request").
			With("status", resp.StatusCode)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			err.With("retryAfter", ra)
		}
		return err
	case resp.StatusCode >= 500:
		return oracleErrors.New(oracleErrors.CodeProviderUnreachable, "provider returned a server error").
			With("status", resp.StatusCode)
	default:
		return oracleErrors.New(oracleErrors.CodeProviderMalformedResponse, "provider returned an unexpected status").
			With("status", resp.StatusCode)
	}
}

func (f *HTTPFetcher) parse(pair types.AssetPair, body []byte, receivedAt time.Time) (*types.Quote, error) {
	if !gjson.ValidBytes(body) {
		return nil, oracleErrors.New(oracleErrors.CodeProviderMalformedResponse, "provider response is not valid JSON").
			With("pair", pair.String())
	}

	rateResult := gjson.GetBytes(body, f.config.RatePath)
	if !rateResult.Exists() {
		return nil, oracleErrors.New(oracleErrors.CodeProviderMalformedResponse, "rate missing from provider response").
			With("pair", pair.String()).
			With("path", f.config.RatePath)
	}
	// Raw keeps full precision for numbers; strings are unquoted
	raw := rateResult.Raw
	if rateResult.Type == gjson.String {
		raw = rateResult.Str
	}
	raw = strings.TrimSpace(raw)
	if len(raw) > maxRateTextLen {
		return nil, oracleErrors.New(oracleErrors.CodeProviderMalformedResponse, "rate text is too long").
			With("pair", pair.String()).
			With("length", len(raw))
	}
	rateValue, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, oracleErrors.Wrap(oracleErrors.CodeProviderMalformedResponse, err, "rate is not a number").
			With("pair", pair.String())
	}
	if !types.RateWithinPrecision(rateValue) {
		return nil, oracleErrors.New(oracleErrors.CodeProviderMalformedResponse, "rate exceeds supported precision").
			With("pair", pair.String()).
			With("exponent", rateValue.Exponent()).
			With("maxDigits", types.MaxRateDigits)
	}

	observedAt := receivedAt
	if f.config.TimestampPath != "" {
		tsResult := gjson.GetBytes(body, f.config.TimestampPath)
		if !tsResult.Exists() {
			return nil, oracleErrors.New(oracleErrors.CodeProviderMalformedResponse, "timestamp missing from provider response").
				With("pair", pair.String()).
				With("path", f.config.TimestampPath)
		}
		observedAt, err = parseTimestamp(tsResult)
		if err != nil {
			return nil, oracleErrors.Wrap(oracleErrors.CodeProviderMalformedResponse, err, "timestamp is not parseable").
				With("pair", pair.String())
		}
	}

	return &types.Quote{
		Pair:       pair,
		Rate:       rateValue,
		ObservedAt: observedAt,
		Source:     f.config.Source,
		ReceivedAt: receivedAt,
	}, nil
}

// values above this are treated as unix milliseconds
const unixMillisThreshold = 1_000_000_000_000

func parseTimestamp(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Number:
		return fromUnix(r.Int()), nil
	case gjson.String:
		if n, err := strconv.ParseInt(r.Str, 10, 64); err == nil {
			return fromUnix(n), nil
		}
		t, err := time.Parse(time.RFC3339Nano, r.Str)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %s", r.Type)
	}
}

func fromUnix(n int64) time.Time {
	if n >= unixMillisThreshold {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
