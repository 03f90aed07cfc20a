// Package gateway talks to the storage network's HTTP surfaces: the
// gateway node for token prices and wallet balances, and the payment
// service for prepaid credit quotes and balances. Successful fetches
// are cached in the local state store so price estimation keeps working
// through gateway outages.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	errs "github.com/jbracken/permasync/internal/errors"
	"github.com/jbracken/permasync/internal/pricing"
	"github.com/jbracken/permasync/internal/state"
)

const defaultTimeout = 30 * time.Second

// snapshotStore persists the last known rates and balances.
// *state.State satisfies this.
type snapshotStore interface {
	WalletSnapshot() (*state.WalletSnapshot, error)
	SetWalletSnapshot(snap state.WalletSnapshot) error
}

// Client implements the price and balance oracles against a gateway
// node and a payment service.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	gatewayURL string
	paymentURL string
	wallet     string

	// feePercent is the payment service's surcharge on credit quotes,
	// applied on top of the raw byte price.
	feePercent int64

	store snapshotStore
}

// NewClient creates a gateway client. If httpClient is nil a default
// with a request timeout is used. store may be nil, which disables the
// cached-rate fallback.
func NewClient(httpClient *http.Client, gatewayURL, paymentURL, wallet string, feePercent int64, store snapshotStore, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		paymentURL: strings.TrimRight(paymentURL, "/"),
		wallet:     wallet,
		feePercent: feePercent,
		store:      store,
	}
}

// get fetches an endpoint and returns the raw response body.
func (c *Client) get(ctx context.Context, base, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrGatewayRequest, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", errs.ErrGatewayResponse, endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d: %s",
			errs.ErrGatewayResponse, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

// TokenPriceForBytes returns the winston price for publishing n bytes.
// The gateway answers with a bare integer. On failure the last cached
// per-GiB rate is scaled to n instead.
func (c *Client) TokenPriceForBytes(ctx context.Context, n int64) (int64, error) {
	body, err := c.get(ctx, c.gatewayURL, fmt.Sprintf("/price/%d", n))
	if err != nil {
		return c.cachedTokenPrice(n, err)
	}

	winston, perr := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if perr != nil {
		return c.cachedTokenPrice(n, fmt.Errorf("%w: parsing price: %v", errs.ErrGatewayResponse, perr))
	}

	c.cacheRates(winston, 0, n)

	return winston, nil
}

// CreditCostForBytes returns the credit cost for publishing n bytes,
// including the payment service's fee. The service answers JSON with a
// winc field.
func (c *Client) CreditCostForBytes(ctx context.Context, n int64) (int64, error) {
	body, err := c.get(ctx, c.paymentURL, fmt.Sprintf("/v1/price/bytes/%d", n))
	if err != nil {
		return c.cachedCreditCost(n, err)
	}

	winc := gjson.GetBytes(body, "winc")
	if !winc.Exists() {
		return c.cachedCreditCost(n, fmt.Errorf("%w: price response missing winc", errs.ErrGatewayResponse))
	}

	cost := withFee(winc.Int(), c.feePercent)

	c.cacheRates(0, cost, n)

	return cost, nil
}

// TokenBalance returns the wallet's winston balance from the gateway.
func (c *Client) TokenBalance(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, c.gatewayURL, fmt.Sprintf("/wallet/%s/balance", url.PathEscape(c.wallet)))
	if err != nil {
		return c.cachedBalance(err, func(s *state.WalletSnapshot) int64 { return s.Winston })
	}

	winston, perr := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if perr != nil {
		err := fmt.Errorf("%w: parsing balance: %v", errs.ErrGatewayResponse, perr)
		return c.cachedBalance(err, func(s *state.WalletSnapshot) int64 { return s.Winston })
	}

	c.cacheBalances(func(s *state.WalletSnapshot) { s.Winston = winston })

	return winston, nil
}

// CreditBalance returns the wallet's prepaid credit balance from the
// payment service. An unknown wallet reads as a zero balance, not an
// error: the service only creates accounts on first top-up.
func (c *Client) CreditBalance(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, c.paymentURL, fmt.Sprintf("/v1/account/balance?address=%s", url.QueryEscape(c.wallet)))
	if err != nil {
		if strings.Contains(err.Error(), "status 404") {
			return 0, nil
		}

		return c.cachedBalance(err, func(s *state.WalletSnapshot) int64 { return s.Credits })
	}

	winc := gjson.GetBytes(body, "winc")
	if !winc.Exists() {
		err := fmt.Errorf("%w: balance response missing winc", errs.ErrGatewayResponse)
		return c.cachedBalance(err, func(s *state.WalletSnapshot) int64 { return s.Credits })
	}

	credits := winc.Int()

	c.cacheBalances(func(s *state.WalletSnapshot) { s.Credits = credits })

	return credits, nil
}

// withFee applies a percentage surcharge, rounding up.
func withFee(cost, percent int64) int64 {
	if percent <= 0 {
		return cost
	}

	surcharge := cost * percent
	fee := surcharge / 100

	if surcharge%100 != 0 {
		fee++
	}

	return cost + fee
}

// scaleToBytes converts a cached per-GiB rate to a price for n bytes,
// rounding up so a stale rate never underestimates.
func scaleToBytes(perGiB, n int64) int64 {
	if perGiB == 0 || n == 0 {
		return 0
	}

	scaled := float64(perGiB) * float64(n) / float64(pricing.GiB)
	cost := int64(scaled)

	if float64(cost) < scaled {
		cost++
	}

	return cost
}

func (c *Client) cachedTokenPrice(n int64, cause error) (int64, error) {
	snap := c.loadSnapshot()
	if snap == nil || snap.WinstonPerGiB == 0 {
		return 0, cause
	}

	c.logger.Warn("token price fetch failed, using cached rate",
		slog.String("error", cause.Error()),
		slog.Time("cached_at", snap.FetchedAt),
	)

	return scaleToBytes(snap.WinstonPerGiB, n), nil
}

func (c *Client) cachedCreditCost(n int64, cause error) (int64, error) {
	snap := c.loadSnapshot()
	if snap == nil || snap.CreditsPerGiB == 0 {
		return 0, cause
	}

	c.logger.Warn("credit price fetch failed, using cached rate",
		slog.String("error", cause.Error()),
		slog.Time("cached_at", snap.FetchedAt),
	)

	return scaleToBytes(snap.CreditsPerGiB, n), nil
}

func (c *Client) cachedBalance(cause error, pick func(*state.WalletSnapshot) int64) (int64, error) {
	snap := c.loadSnapshot()
	if snap == nil {
		return 0, cause
	}

	c.logger.Warn("balance fetch failed, using cached balance",
		slog.String("error", cause.Error()),
		slog.Time("cached_at", snap.FetchedAt),
	)

	return pick(snap), nil
}

func (c *Client) loadSnapshot() *state.WalletSnapshot {
	if c.store == nil {
		return nil
	}

	snap, err := c.store.WalletSnapshot()
	if err != nil {
		c.logger.Warn("loading cached wallet snapshot", slog.String("error", err.Error()))
		return nil
	}

	return snap
}

// cacheRates persists a freshly fetched rate, normalized to per-GiB.
// Zero-valued arguments leave the existing cached field untouched.
func (c *Client) cacheRates(winston, credits, forBytes int64) {
	if c.store == nil || forBytes == 0 {
		return
	}

	snap := c.loadSnapshot()
	if snap == nil {
		snap = &state.WalletSnapshot{}
	}

	if winston > 0 {
		snap.WinstonPerGiB = perGiBRate(winston, forBytes)
	}

	if credits > 0 {
		snap.CreditsPerGiB = perGiBRate(credits, forBytes)
	}

	snap.FetchedAt = time.Now()

	if err := c.store.SetWalletSnapshot(*snap); err != nil {
		c.logger.Warn("persisting wallet snapshot", slog.String("error", err.Error()))
	}
}

func (c *Client) cacheBalances(apply func(*state.WalletSnapshot)) {
	if c.store == nil {
		return
	}

	snap := c.loadSnapshot()
	if snap == nil {
		snap = &state.WalletSnapshot{}
	}

	apply(snap)
	snap.FetchedAt = time.Now()

	if err := c.store.SetWalletSnapshot(*snap); err != nil {
		c.logger.Warn("persisting wallet snapshot", slog.String("error", err.Error()))
	}
}

// perGiBRate normalizes a price quoted for forBytes to a per-GiB rate,
// rounding up.
func perGiBRate(price, forBytes int64) int64 {
	scaled := float64(price) * float64(pricing.GiB) / float64(forBytes)
	rate := int64(scaled)

	if float64(rate) < scaled {
		rate++
	}

	return rate
}
