package exchange

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// knownMissingOrderMessages lists the exchange error substrings that
// mean "no such order" across the taxonomy this venue is known to
// return (spec.md §4.4). Matching is case-insensitive substring match,
// since exchanges are inconsistent about exact wording/casing.
var knownMissingOrderMessages = []string{
	"unknown order",
	"order does not exist",
	"no such order",
	"order not found",
}

// Client is the signed REST adapter. It tracks server-time drift and
// folds it into every signature timestamp, the way exec/client.go's
// addHeaders/hmacSign pair does for its venue.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client

	mu        sync.Mutex
	timeDrift time.Duration // serverTime - localTime, as last recorded by SyncTime

	dryRun bool
}

// NewClient builds a Client for baseURL, signing every request with
// apiKey/apiSecret.
func NewClient(baseURL, apiKey, apiSecret string, dryRun bool) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dryRun:     dryRun,
	}
}

// SyncTime fetches the venue's server time and records the drift so
// subsequent signatures carry a timestamp close to the server's clock.
func (c *Client) SyncTime() error {
	body, err := c.get("/api/v3/time", nil)
	if err != nil {
		return fmt.Errorf("exchange: sync time: %w", err)
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("exchange: parse server time: %w", err)
	}
	server := time.UnixMilli(resp.ServerTime)
	c.mu.Lock()
	c.timeDrift = time.Until(server)
	c.mu.Unlock()
	return nil
}

func (c *Client) timestampMillis() int64 {
	c.mu.Lock()
	drift := c.timeDrift
	c.mu.Unlock()
	return time.Now().Add(drift).UnixMilli()
}

// PlaceLimit places a LIMIT order. autoBorrow, when true, sets the
// venue's side-effect flag so the exchange auto-borrows/auto-repays
// (spec.md §4.6 exchange-managed mode); when false the order carries no
// side-effect flag and the margin coordinator must borrow explicitly
// beforehand.
func (c *Client) PlaceLimit(side Side, qty, price decimal.Decimal, clientID string, autoBorrow bool) (string, error) {
	return c.placeOrder(TypeLimit, side, qty, price, clientID, autoBorrow)
}

// PlaceMarket places a MARKET order.
func (c *Client) PlaceMarket(side Side, qty decimal.Decimal, clientID string, autoBorrow bool) (string, error) {
	return c.placeOrder(TypeMarket, side, qty, decimal.Zero, clientID, autoBorrow)
}

func (c *Client) placeOrder(orderType OrderType, side Side, qty, price decimal.Decimal, clientID string, autoBorrow bool) (string, error) {
	if c.dryRun {
		log.Info().
			Str("type", string(orderType)).
			Str("side", string(side)).
			Str("qty", qty.String()).
			Str("price", price.String()).
			Str("client_id", clientID).
			Msg("exchange: DRY RUN order")
		return "dryrun-" + clientID, nil
	}

	params := url.Values{}
	params.Set("side", string(side))
	params.Set("type", string(orderType))
	params.Set("quantity", qty.String())
	params.Set("newClientOrderId", clientID)
	if orderType == TypeLimit {
		params.Set("price", price.String())
		params.Set("timeInForce", "GTC")
	}
	if autoBorrow {
		params.Set("sideEffectType", "AUTO_BORROW_REPAY")
	} else {
		params.Set("sideEffectType", "NO_SIDE_EFFECT")
	}

	body, err := c.signedPost("/api/v3/order", params)
	if err != nil {
		return "", fmt.Errorf("exchange: place order: %w", err)
	}
	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("exchange: parse order response: %w", err)
	}
	return fmt.Sprintf("%d", resp.OrderID), nil
}

// Cancel cancels orderID. A MISSING status on the subsequent Status
// poll is how callers learn the cancel landed on an already-gone order.
func (c *Client) Cancel(orderID string) error {
	if c.dryRun {
		log.Info().Str("order_id", orderID).Msg("exchange: DRY RUN cancel")
		return nil
	}
	params := url.Values{}
	params.Set("orderId", orderID)
	_, err := c.signedDelete("/api/v3/order", params)
	if err != nil {
		return fmt.Errorf("exchange: cancel order %s: %w", orderID, err)
	}
	return nil
}

// Status polls one order, normalizing any "no such order" response to
// StatusMissing instead of propagating an error.
func (c *Client) Status(orderID string) (OrderStatusReport, error) {
	params := url.Values{}
	params.Set("orderId", orderID)
	body, err := c.signedGet("/api/v3/order", params)
	if err != nil {
		if isMissingOrderError(err) {
			return OrderStatusReport{OrderID: orderID, Status: StatusMissing, ObservedAt: time.Now()}, nil
		}
		return OrderStatusReport{}, fmt.Errorf("exchange: status %s: %w", orderID, err)
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		Price         string `json:"price"`
		Side          string `json:"side"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderStatusReport{}, fmt.Errorf("exchange: parse status %s: %w", orderID, err)
	}

	executed, _ := decimal.NewFromString(resp.ExecutedQty)
	price, _ := decimal.NewFromString(resp.Price)
	return OrderStatusReport{
		OrderID:     orderID,
		Status:      OrderStatus(resp.Status),
		ExecutedQty: executed,
		Price:       price,
		Side:        Side(resp.Side),
		ObservedAt:  time.Now(),
	}, nil
}

// OpenOrders lists all currently open orders on the account. No symbol
// filter is sent, so open orders on every symbol are returned.
func (c *Client) OpenOrders() ([]OrderStatusReport, error) {
	body, err := c.signedGet("/api/v3/openOrders", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("exchange: open orders: %w", err)
	}
	var raw []struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		Price       string `json:"price"`
		Side        string `json:"side"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("exchange: parse open orders: %w", err)
	}
	now := time.Now()
	out := make([]OrderStatusReport, 0, len(raw))
	for _, r := range raw {
		executed, _ := decimal.NewFromString(r.ExecutedQty)
		price, _ := decimal.NewFromString(r.Price)
		out = append(out, OrderStatusReport{
			OrderID:     fmt.Sprintf("%d", r.OrderID),
			Status:      OrderStatus(r.Status),
			ExecutedQty: executed,
			Price:       price,
			Side:        Side(r.Side),
			ObservedAt:  now,
		})
	}
	return out, nil
}

// MidPrice returns the current book-ticker midpoint.
func (c *Client) MidPrice() (decimal.Decimal, error) {
	body, err := c.get("/api/v3/ticker/bookTicker", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: mid price: %w", err)
	}
	var resp struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("exchange: parse ticker: %w", err)
	}
	bid, err := decimal.NewFromString(resp.BidPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: bad bid price: %w", err)
	}
	ask, err := decimal.NewFromString(resp.AskPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: bad ask price: %w", err)
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
}

// Borrow requests a margin loan of amount in asset (spec.md §4.4/§4.6
// explicit borrow mode).
func (c *Client) Borrow(asset string, amount decimal.Decimal) error {
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("amount", amount.String())
	_, err := c.signedPost("/sapi/v1/margin/loan", params)
	if err != nil {
		return fmt.Errorf("exchange: borrow %s %s: %w", amount, asset, err)
	}
	return nil
}

// Repay repays amount of asset borrowed on margin.
func (c *Client) Repay(asset string, amount decimal.Decimal) error {
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("amount", amount.String())
	_, err := c.signedPost("/sapi/v1/margin/repay", params)
	if err != nil {
		return fmt.Errorf("exchange: repay %s %s: %w", amount, asset, err)
	}
	return nil
}

// DebtSnapshot reads current outstanding margin debt across assets.
func (c *Client) DebtSnapshot() ([]DebtSnapshot, error) {
	body, err := c.signedGet("/sapi/v1/margin/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("exchange: debt snapshot: %w", err)
	}
	var resp struct {
		UserAssets []struct {
			Asset   string `json:"asset"`
			Borrowed string `json:"borrowed"`
		} `json:"userAssets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchange: parse debt snapshot: %w", err)
	}
	out := make([]DebtSnapshot, 0, len(resp.UserAssets))
	for _, a := range resp.UserAssets {
		debt, _ := decimal.NewFromString(a.Borrowed)
		if debt.IsZero() {
			continue
		}
		out = append(out, DebtSnapshot{Asset: a.Asset, Debt: debt})
	}
	return out, nil
}

// missingOrderError wraps an HTTP error that the venue's taxonomy
// identifies as "no such order", so callers can normalize it without
// string-matching outside the adapter.
type missingOrderError struct{ msg string }

func (e *missingOrderError) Error() string { return e.msg }

func isMissingOrderError(err error) bool {
	_, ok := err.(*missingOrderError)
	return ok
}

func classifyHTTPError(status int, body []byte) error {
	lower := strings.ToLower(string(body))
	for _, m := range knownMissingOrderMessages {
		if strings.Contains(lower, m) {
			return &missingOrderError{msg: string(body)}
		}
	}
	return fmt.Errorf("HTTP %d: %s", status, string(body))
}

// ═══════════════════════════════════════════════════════════════════════
// HTTP + HMAC SIGNING
// ═══════════════════════════════════════════════════════════════════════

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) signedGet(path string, params url.Values) ([]byte, error) {
	return c.signedRequest(http.MethodGet, path, params)
}

func (c *Client) signedPost(path string, params url.Values) ([]byte, error) {
	return c.signedRequest(http.MethodPost, path, params)
}

func (c *Client) signedDelete(path string, params url.Values) ([]byte, error) {
	return c.signedRequest(http.MethodDelete, path, params)
}

func (c *Client) signedRequest(method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", fmt.Sprintf("%d", c.timestampMillis()))
	params.Set("recvWindow", "5000")

	query := canonicalQuery(params)
	signature := c.hmacSign(query)
	params.Set("signature", signature)

	var req *http.Request
	var err error
	switch method {
	case http.MethodGet, http.MethodDelete:
		u := c.baseURL + path + "?" + params.Encode()
		req, err = http.NewRequest(method, u, nil)
	default:
		req, err = http.NewRequest(method, c.baseURL+path, bytes.NewBufferString(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req)
}

// canonicalQuery sorts params by key so the signed string is
// deterministic regardless of map iteration order.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range params[k] {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return strings.Join(parts, "&")
}

func (c *Client) hmacSign(message string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, classifyHTTPError(resp.StatusCode, body)
	}
	return body, nil
}
