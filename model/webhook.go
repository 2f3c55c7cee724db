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
)

// Webhook event sources.
const (
	SourceChain = "chain"
	SourcePos   = "pos"
)

// POS event subtypes. Anything else is acknowledged and ignored.
const (
	PosOrderCreated     = "ORDER_CREATED"
	PosPaymentProcessed = "PAYMENT_PROCESSED"
	PosRefundIssued     = "REFUND_ISSUED"
)

// Chain event subtypes emitted by the data provider.
const (
	ChainEnhancedTransaction = "ENHANCED_TRANSACTION"
	ChainTokenTransfer       = "TOKEN_TRANSFER"
)

// TokenTransfer is one token movement inside an enriched transaction.
// Amount is in token units (the provider normalizes base units for us).
type TokenTransfer struct {
	FromUserAccount string          `json:"fromUserAccount"`
	ToUserAccount   string          `json:"toUserAccount"`
	Amount          decimal.Decimal `json:"amount"`
	Mint            string          `json:"mint"`
	TokenStandard   string          `json:"tokenStandard,omitempty"`
}

// ChainEvent is a verified transaction event from the blockchain data
// provider. Reference carries the memo value embedded in the payment
// request, when the provider surfaces one.
type ChainEvent struct {
	Signature      string          `json:"signature"`
	Type           string          `json:"type"`
	Slot           uint64          `json:"slot"`
	Timestamp      int64           `json:"timestamp"`
	Description    string          `json:"description,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	TokenTransfers []TokenTransfer `json:"tokenTransfers"`
}

// PosEventData is the order payload carried by a POS event.
type PosEventData struct {
	OrderID  string `json:"id"`
	Total    int64  `json:"total"` // smallest currency unit (cents)
	Currency string `json:"currency"`
}

// PosEvent is a verified order/payment/refund event from the POS platform.
type PosEvent struct {
	EventID    string       `json:"eventId"`
	MerchantID string       `json:"merchantId"`
	Type       string       `json:"type"`
	Data       PosEventData `json:"data"`
}

// PosAmount converts the POS total (cents) to the settlement-asset decimal
// amount used for matching against on-chain transfers.
func (e PosEvent) PosAmount() decimal.Decimal {
	return decimal.New(e.Data.Total, -2)
}
