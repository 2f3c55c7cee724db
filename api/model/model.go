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
package model

import (
	"github.com/shopspring/decimal"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/meridianhq/meridian/model"
)

// CreatePaymentRecord is the request body for opening an expected payment.
type CreatePaymentRecord struct {
	MerchantID     string          `json:"merchant_id"`
	AmountExpected decimal.Decimal `json:"amount_expected"`
	PosOrderID     string          `json:"pos_order_id"`
	ChainReference string          `json:"chain_reference"`
}

func (r *CreatePaymentRecord) ValidateCreatePaymentRecord() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.MerchantID, validation.Required),
		validation.Field(&r.AmountExpected, validation.Required, validation.By(positiveAmount)),
	)
}

func (r *CreatePaymentRecord) ToPaymentRecord() *model.PaymentRecord {
	return &model.PaymentRecord{
		MerchantID:     r.MerchantID,
		AmountExpected: r.AmountExpected,
		PosOrderID:     r.PosOrderID,
		ChainReference: r.ChainReference,
	}
}

// CreateMerchant is the request body for registering a merchant.
type CreateMerchant struct {
	WalletAddress   string `json:"wallet_address"`
	PosMerchantID   string `json:"pos_merchant_id"`
	WebhookSecret   string `json:"webhook_secret"`
	NotificationUrl string `json:"notification_url"`
}

func (r *CreateMerchant) ValidateCreateMerchant() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.WalletAddress, validation.Required),
		validation.Field(&r.PosMerchantID, validation.Required),
	)
}

func (r *CreateMerchant) ToMerchantConfig() *model.MerchantConfig {
	return &model.MerchantConfig{
		WalletAddress:   r.WalletAddress,
		PosMerchantID:   r.PosMerchantID,
		WebhookSecret:   r.WebhookSecret,
		NotificationUrl: r.NotificationUrl,
	}
}

// RegisterWebhook is the request body for registering merchant wallets with
// the blockchain data provider.
type RegisterWebhook struct {
	WebhookURL string `json:"webhook_url"`
}

func (r *RegisterWebhook) ValidateRegisterWebhook() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.WebhookURL, validation.Required),
	)
}

func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok || !amount.IsPositive() {
		return validation.NewError("validation_positive_amount", "amount must be a positive decimal")
	}
	return nil
}
