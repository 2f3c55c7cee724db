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

package meridian

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianhq/meridian/chain"
	"github.com/meridianhq/meridian/config"
	"github.com/meridianhq/meridian/internal/apierror"
	"github.com/meridianhq/meridian/internal/request"
	"github.com/meridianhq/meridian/model"
)

// RecordExpectedPayment opens a pending payment record directly, for
// integrations that create expectations through the API rather than the
// POS webhook. A chain reference is minted when the caller does not supply
// one.
func (m *Meridian) RecordExpectedPayment(ctx context.Context, record *model.PaymentRecord) (*model.PaymentRecord, error) {
	if record.MerchantID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Merchant ID is required", nil)
	}
	if !record.AmountExpected.IsPositive() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Expected amount must be positive", nil)
	}

	if _, err := m.datasource.GetMerchantConfig(ctx, record.MerchantID); err != nil {
		return nil, err
	}

	if record.ChainReference == "" {
		record.ChainReference = model.GenerateUUIDWithSuffix("ref")
	}
	return m.datasource.CreatePaymentRecord(ctx, record)
}

// GetPaymentRecord retrieves a payment record by its ID.
func (m *Meridian) GetPaymentRecord(ctx context.Context, id string) (*model.PaymentRecord, error) {
	return m.datasource.GetPaymentRecord(ctx, id)
}

// ListPaymentRecords lists a merchant's payment records, newest first.
func (m *Meridian) ListPaymentRecords(ctx context.Context, merchantID string, limit, offset int) ([]model.PaymentRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return m.datasource.GetAllPaymentRecords(ctx, merchantID, limit, offset)
}

// CreateMerchant registers a merchant and provisions its webhook secret.
func (m *Meridian) CreateMerchant(ctx context.Context, merchant *model.MerchantConfig) (*model.MerchantConfig, error) {
	if merchant.WalletAddress == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Wallet address is required", nil)
	}
	if merchant.PosMerchantID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "POS merchant ID is required", nil)
	}

	if merchant.WebhookSecret == "" {
		merchant.WebhookSecret = model.GenerateUUIDWithSuffix("whsec")
	}
	return m.datasource.CreateMerchantConfig(ctx, merchant)
}

// GetMerchant retrieves a merchant configuration by ID.
func (m *Meridian) GetMerchant(ctx context.Context, merchantID string) (*model.MerchantConfig, error) {
	return m.datasource.GetMerchantConfig(ctx, merchantID)
}

// GetMerchantByPosID resolves the POS platform's merchant identifier to our
// merchant configuration. Used to pick the HMAC secret for a POS delivery.
func (m *Meridian) GetMerchantByPosID(ctx context.Context, posMerchantID string) (*model.MerchantConfig, error) {
	return m.datasource.GetMerchantByPosID(ctx, posMerchantID)
}

// ListMerchants lists merchant configurations, newest first.
func (m *Meridian) ListMerchants(ctx context.Context, limit, offset int) ([]model.MerchantConfig, error) {
	if limit <= 0 {
		limit = 20
	}
	return m.datasource.GetAllMerchantConfigs(ctx, limit, offset)
}

// GetMerchantBalance reads the merchant's settlement-asset balance from the
// blockchain data provider.
func (m *Meridian) GetMerchantBalance(ctx context.Context, merchantID string) (decimal.Decimal, error) {
	merchant, err := m.datasource.GetMerchantConfig(ctx, merchantID)
	if err != nil {
		return decimal.Zero, err
	}

	cfg, err := config.Fetch()
	if err != nil {
		return decimal.Zero, apierror.NewAPIError(apierror.ErrInternalServer, "Configuration unavailable", err)
	}

	return m.chain.GetBalance(ctx, merchant.WalletAddress, cfg.Chain.SettlementMint)
}

// RegisterChainWebhook registers every merchant wallet with the provider so
// settlement transfers are pushed to webhookURL. Returns the provider's
// webhook registration.
func (m *Meridian) RegisterChainWebhook(ctx context.Context, webhookURL string) (*chain.WebhookResponse, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Configuration unavailable", err)
	}

	merchants, err := m.datasource.GetAllMerchantConfigs(ctx, 1000, 0)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, 0, len(merchants))
	for _, merchant := range merchants {
		addresses = append(addresses, merchant.WalletAddress)
	}
	if len(addresses) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "No merchant wallets to register", nil)
	}

	return m.chain.CreateWebhook(ctx, webhookURL, "Bearer "+cfg.Chain.WebhookSecret, addresses)
}

// SendMerchantNotification delivers a status-change notification to the
// merchant's configured endpoint. Called from the notification worker.
func (m *Meridian) SendMerchantNotification(ctx context.Context, payload NotificationPayload) error {
	record, err := m.datasource.GetPaymentRecord(ctx, payload.RecordID)
	if err != nil {
		return err
	}

	merchant, err := m.datasource.GetMerchantConfig(ctx, record.MerchantID)
	if err != nil {
		return err
	}
	if merchant.NotificationUrl == "" {
		return nil
	}

	body, err := request.ToJsonReq(record)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", merchant.NotificationUrl, body)
	if err != nil {
		return err
	}

	var response map[string]interface{}
	resp, err := request.CallWithTimeout(req, &response, 10*time.Second)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return apierror.NewAPIError(apierror.ErrUpstreamUnavailable, "Merchant notification endpoint rejected delivery", resp.StatusCode)
	}
	return nil
}
