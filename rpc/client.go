package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ineyio/gemledger"
)

// ErrUnauthorized is returned when the server rejects the caller's
// credentials or admin signature.
var ErrUnauthorized = errors.New("rpc: unauthorized")

// Client calls a gem RPC server. It implements the balance, cost, status
// and admin store interfaces, so a Ledger can run against a remote store.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	adminKey   string
}

var (
	_ gemledger.BalanceStore = (*Client)(nil)
	_ gemledger.CostSource   = (*Client)(nil)
	_ gemledger.StatusStore  = (*Client)(nil)
	_ gemledger.AdminStore   = (*Client)(nil)
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithToken sets the bearer token sent with every call.
func WithToken(token string) ClientOption {
	return func(cl *Client) { cl.token = token }
}

// WithAdminSigningKey signs admin calls with a hex secp256k1 private key.
func WithAdminSigningKey(hexKey string) ClientOption {
	return func(cl *Client) { cl.adminKey = hexKey }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.adminKey != "" {
		key, err := ParsePrivateKey(c.adminKey)
		if err != nil {
			return nil, err
		}
		signed := *c.httpClient
		signed.Transport = newSigningTransport(c.httpClient.Transport, key)
		c.httpClient = &signed
	}
	return c, nil
}

// ReadBalance calls get_user_gems.
func (c *Client) ReadBalance(ctx context.Context, userID string) (gemledger.Account, error) {
	var acct gemledger.Account
	if err := c.call(ctx, FnGetUserGems, params{UserID: userID}, &acct); err != nil {
		return gemledger.Account{}, err
	}
	acct.UserID = userID
	return acct, nil
}

// Deduct calls deduct_gems and translates the -1 sentinel.
func (c *Client) Deduct(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	if err := c.call(ctx, FnDeductGems, params{UserID: userID, Amount: amount}, &balance); err != nil {
		return 0, err
	}
	if balance == gemledger.InsufficientSentinel {
		return 0, gemledger.ErrInsufficientFunds
	}
	if balance < 0 {
		return 0, fmt.Errorf("rpc: %s returned %d: %w", FnDeductGems, balance, gemledger.ErrInsufficientFunds)
	}
	return balance, nil
}

// Credit calls add_gems.
func (c *Client) Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	var balance int64
	if err := c.call(ctx, FnAddGems, params{UserID: userID, Amount: amount, Reason: reason}, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// FeatureCosts calls get_feature_costs.
func (c *Client) FeatureCosts(ctx context.Context) ([]gemledger.FeatureCost, error) {
	var costs []gemledger.FeatureCost
	if err := c.call(ctx, FnGetFeatureCosts, params{}, &costs); err != nil {
		return nil, err
	}
	return costs, nil
}

// IsBlocked calls is_user_blocked.
func (c *Client) IsBlocked(ctx context.Context, userID string) (bool, error) {
	var v bool
	err := c.call(ctx, FnIsUserBlocked, params{UserID: userID}, &v)
	return v, err
}

// IsAdmin calls is_admin.
func (c *Client) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var v bool
	err := c.call(ctx, FnIsAdmin, params{UserID: userID}, &v)
	return v, err
}

// SetSubscription calls admin_set_subscription.
func (c *Client) SetSubscription(ctx context.Context, userID, plan string, expiresAt *time.Time) error {
	var ok bool
	return c.call(ctx, FnAdminSetSubscription, params{UserID: userID, Plan: plan, ExpiresAt: expiresAt}, &ok)
}

// SetBlocked calls admin_set_blocked.
func (c *Client) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	var ok bool
	return c.call(ctx, FnAdminSetBlocked, params{UserID: userID, Blocked: blocked}, &ok)
}

// SetFeatureCost calls admin_set_feature_cost.
func (c *Client) SetFeatureCost(ctx context.Context, featureKey string, cost int64) error {
	var ok bool
	return c.call(ctx, FnAdminSetFeatureCost, params{FeatureKey: featureKey, Cost: cost}, &ok)
}

// AdminCredit calls admin_add_gems, crediting any user.
func (c *Client) AdminCredit(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	var balance int64
	if err := c.call(ctx, FnAdminAddGems, params{UserID: userID, Amount: amount, Reason: reason}, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (c *Client) call(ctx context.Context, fn string, p params, out any) error {
	jsonBody, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("rpc: marshal %s: %w", fn, err)
	}

	url := c.baseURL + "/rpc/" + fn
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("rpc: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w: %w", fn, gemledger.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(fn, resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rpc: decode %s: %w: %w", fn, gemledger.ErrStoreUnavailable, err)
	}
	return nil
}

func mapHTTPError(fn string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	var eb errorBody
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	_ = json.Unmarshal(body, &eb)

	switch {
	case eb.Code == codeInvalidAmount:
		return fmt.Errorf("rpc: %s: %w", fn, gemledger.ErrInvalidAmount)
	case eb.Code == codeUnknownUser || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("rpc: %s: %w", fn, gemledger.ErrUnknownUser)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %s", ErrUnauthorized, fn, eb.Error)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("rpc: %s: bad request: %s", fn, eb.Error)
	default:
		return fmt.Errorf("rpc: %s: status %d: %w", fn, resp.StatusCode, gemledger.ErrStoreUnavailable)
	}
}
