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

package chain

import (
	"github.com/shopspring/decimal"

	"github.com/meridianhq/meridian/model"
)

// EnhancedTransaction is a parsed transaction returned by the provider's
// enhanced transaction API.
type EnhancedTransaction struct {
	Signature      string                `json:"signature"`
	Type           string                `json:"type"`
	Slot           uint64                `json:"slot"`
	Timestamp      int64                 `json:"timestamp"`
	Description    string                `json:"description,omitempty"`
	Fee            int64                 `json:"fee"`
	FeePayer       string                `json:"feePayer"`
	TokenTransfers []model.TokenTransfer `json:"tokenTransfers"`
}

// TokenBalance is one token holding reported for a wallet address.
type TokenBalance struct {
	Mint     string          `json:"mint"`
	Amount   decimal.Decimal `json:"amount"`
	Decimals int             `json:"decimals"`
}

// BalanceResponse is the provider's balances payload for an address.
type BalanceResponse struct {
	Tokens         []TokenBalance `json:"tokens"`
	NativeLamports int64          `json:"nativeBalance"`
}

// WebhookRequest registers addresses with the provider's webhook API so
// settlement transfers are pushed to us.
type WebhookRequest struct {
	WebhookURL       string   `json:"webhookURL"`
	AccountAddresses []string `json:"accountAddresses"`
	TransactionTypes []string `json:"transactionTypes"`
	WebhookType      string   `json:"webhookType"`
	AuthHeader       string   `json:"authHeader,omitempty"`
}

// WebhookResponse is the provider's acknowledgment of a webhook
// registration.
type WebhookResponse struct {
	WebhookID        string   `json:"webhookID"`
	WebhookURL       string   `json:"webhookURL"`
	AccountAddresses []string `json:"accountAddresses"`
}
