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
	"time"

	"github.com/shopspring/decimal"
)

// Status constants representing the lifecycle of a payment record.
const (
	StatusPending   = "pending"   // Expected payment recorded, nothing observed on-chain yet.
	StatusConfirmed = "confirmed" // Matching on-chain transfer observed and verified.
	StatusCompleted = "completed" // POS acknowledged the payment; settlement done.
	StatusFailed    = "failed"    // Terminal; never received a matching transfer.
	StatusRefunded  = "refunded"  // Terminal; refund issued after completion.
)

// legalTransitions is the closed set of allowed status moves. Everything
// else is a conflict and must be treated as an idempotent no-op.
var legalTransitions = map[string][]string{
	StatusPending:   {StatusConfirmed, StatusFailed},
	StatusConfirmed: {StatusCompleted},
	StatusCompleted: {StatusRefunded},
}

// TransitionAllowed reports whether moving a payment record from one status
// to another respects the lifecycle ordering.
func TransitionAllowed(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentRecord represents one expected incoming payment for a merchant.
// The reconciliation engine is the only writer of Status and ChainSignature.
type PaymentRecord struct {
	RecordID       string          `json:"record_id"`
	MerchantID     string          `json:"merchant_id"`
	AmountExpected decimal.Decimal `json:"amount_expected"`
	PosOrderID     string          `json:"pos_order_id,omitempty"`
	ChainReference string          `json:"chain_reference,omitempty"`
	ChainSignature string          `json:"chain_signature,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MerchantConfig holds the settlement configuration for one merchant.
type MerchantConfig struct {
	MerchantID      string    `json:"merchant_id"`
	WalletAddress   string    `json:"wallet_address"`
	PosMerchantID   string    `json:"pos_merchant_id"`
	WebhookSecret   string    `json:"webhook_secret"`
	NotificationUrl string    `json:"notification_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
