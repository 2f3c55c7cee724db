/*
Copyright 2024 Meridian Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package chain is the client for the blockchain data provider. Every read
// goes through three layers in order: a process-local response cache, a
// sliding-window rate limiter shared by all callers, and a bounded retry
// loop around the HTTP call. Webhook management calls skip the cache but
// keep the limiter and retries.
package chain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/meridianhq/meridian/config"
	"github.com/meridianhq/meridian/internal/apierror"
	"github.com/meridianhq/meridian/internal/ratelimit"
	"github.com/meridianhq/meridian/internal/request"
	"github.com/meridianhq/meridian/internal/respcache"
	"github.com/meridianhq/meridian/internal/retry"
	"github.com/meridianhq/meridian/model"
)

const (
	txCacheTTL        = 5 * time.Minute
	balanceCacheTTL   = 30 * time.Second
	transfersCacheTTL = 5 * time.Minute
)

// Client talks to the blockchain data provider. Safe for concurrent use;
// one instance should be shared so the rate limiter sees every outbound
// call.
type Client struct {
	apiUrl    string
	apiKey    string
	limiter   *ratelimit.Limiter
	cache     *respcache.Cache
	retryOpts retry.Options
	timeout   time.Duration
}

// NewClient builds a provider client from configuration.
func NewClient(cfg config.ChainConfig) *Client {
	return &Client{
		apiUrl:    cfg.ApiUrl,
		apiKey:    cfg.ApiKey,
		limiter:   ratelimit.NewLimiter(time.Duration(cfg.RateLimitWindow)*time.Millisecond, cfg.RateLimitMax),
		cache:     respcache.NewCache(),
		retryOpts: retry.Options{MaxAttempts: cfg.RetryMaxAttempts},
		timeout:   cfg.RequestTimeoutDuration(),
	}
}

// RequestsRemaining exposes the limiter's free slots in the current window.
func (c *Client) RequestsRemaining() int {
	return c.limiter.RequestsRemaining()
}

// call runs one provider operation through the limiter and retry loop. The
// context deadline covers all attempts, including time spent waiting for a
// rate-limit slot.
func (c *Client) call(ctx context.Context, build func() (*http.Request, error), out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return retry.WithRetry(ctx, func() error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}

		req, err := build()
		if err != nil {
			return err
		}
		req = req.WithContext(ctx)

		resp, err := request.Call(req, out)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("provider returned status %d", resp.StatusCode)
		}
		return nil
	}, c.retryOpts)
}

// GetTransaction fetches the enhanced transaction for a signature. Results
// are cached for a short period; a transaction already finalized does not
// change under us.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*EnhancedTransaction, error) {
	cacheKey := fmt.Sprintf("tx:%s", signature)
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.(*EnhancedTransaction), nil
	}

	var txns []EnhancedTransaction
	err := c.call(ctx, func() (*http.Request, error) {
		payload, err := request.ToJsonReq(map[string][]string{"transactions": {signature}})
		if err != nil {
			return nil, err
		}
		return http.NewRequest("POST", fmt.Sprintf("%s/v0/transactions?api-key=%s", c.apiUrl, c.apiKey), payload)
	}, &txns)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrUpstreamUnavailable, "failed to fetch transaction", err)
	}

	if len(txns) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("transaction %s not found", signature), nil)
	}

	txn := &txns[0]
	c.cache.Set(cacheKey, txn, txCacheTTL)
	return txn, nil
}

// GetTokenTransfers returns the token movements inside a transaction. Used
// by reconciliation when a webhook payload arrives without transfer data.
func (c *Client) GetTokenTransfers(ctx context.Context, signature string) ([]model.TokenTransfer, error) {
	cacheKey := fmt.Sprintf("token-transfers:%s", signature)
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.([]model.TokenTransfer), nil
	}

	txn, err := c.GetTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}

	c.cache.Set(cacheKey, txn.TokenTransfers, transfersCacheTTL)
	return txn.TokenTransfers, nil
}

// GetBalance returns the wallet's balance of the given mint. Balances move,
// so the cache window here is short.
func (c *Client) GetBalance(ctx context.Context, address, mint string) (decimal.Decimal, error) {
	cacheKey := fmt.Sprintf("balance:%s:%s", address, mint)
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.(decimal.Decimal), nil
	}

	var balances BalanceResponse
	err := c.call(ctx, func() (*http.Request, error) {
		return http.NewRequest("GET", fmt.Sprintf("%s/v0/addresses/%s/balances?api-key=%s", c.apiUrl, address, c.apiKey), nil)
	}, &balances)
	if err != nil {
		return decimal.Zero, apierror.NewAPIError(apierror.ErrUpstreamUnavailable, "failed to fetch balance", err)
	}

	amount := decimal.Zero
	for _, token := range balances.Tokens {
		if token.Mint == mint {
			amount = token.Amount
			break
		}
	}

	c.cache.Set(cacheKey, amount, balanceCacheTTL)
	return amount, nil
}

// CreateWebhook registers the given wallet addresses with the provider so
// transfer events are delivered to webhookURL. Registration is not cached.
func (c *Client) CreateWebhook(ctx context.Context, webhookURL, authHeader string, addresses []string) (*WebhookResponse, error) {
	var created WebhookResponse
	err := c.call(ctx, func() (*http.Request, error) {
		payload, err := request.ToJsonReq(WebhookRequest{
			WebhookURL:       webhookURL,
			AccountAddresses: addresses,
			TransactionTypes: []string{"TRANSFER"},
			WebhookType:      "enhanced",
			AuthHeader:       authHeader,
		})
		if err != nil {
			return nil, err
		}
		return http.NewRequest("POST", fmt.Sprintf("%s/v0/webhooks?api-key=%s", c.apiUrl, c.apiKey), payload)
	}, &created)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrUpstreamUnavailable, "failed to create webhook", err)
	}

	logrus.Infof("registered provider webhook %s for %d addresses", created.WebhookID, len(addresses))
	return &created, nil
}

// DeleteWebhook removes a provider webhook registration.
func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	var response map[string]interface{}
	err := c.call(ctx, func() (*http.Request, error) {
		return http.NewRequest("DELETE", fmt.Sprintf("%s/v0/webhooks/%s?api-key=%s", c.apiUrl, webhookID, c.apiKey), nil)
	}, &response)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrUpstreamUnavailable, "failed to delete webhook", err)
	}
	return nil
}
