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

package database

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/meridianhq/meridian/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	payment  // Payment record operations
	merchant // Merchant configuration operations
}

// payment defines methods for handling payment records.
type payment interface {
	CreatePaymentRecord(ctx context.Context, record *model.PaymentRecord) (*model.PaymentRecord, error)
	GetPaymentRecord(ctx context.Context, id string) (*model.PaymentRecord, error)
	GetPaymentRecordByReference(ctx context.Context, reference string) (*model.PaymentRecord, error)
	GetPaymentRecordBySignature(ctx context.Context, signature string) (*model.PaymentRecord, error)
	GetPaymentRecordByPosOrder(ctx context.Context, merchantID, posOrderID string) (*model.PaymentRecord, error)
	// GetOldestPendingByAmount is the fallback match used when a chain
	// event carries no reference: oldest pending record with this amount.
	GetOldestPendingByAmount(ctx context.Context, merchantID string, amount decimal.Decimal) (*model.PaymentRecord, error)
	GetAllPaymentRecords(ctx context.Context, merchantID string, limit, offset int) ([]model.PaymentRecord, error)
	// UpdatePaymentStatus advances a record only when it still holds
	// fromStatus; a lost race surfaces as a conflict.
	UpdatePaymentStatus(ctx context.Context, id string, fromStatus, toStatus string) error
	// SettlePaymentRecord marks a pending record confirmed and stores the
	// settling transaction signature in one statement.
	SettlePaymentRecord(ctx context.Context, id string, signature string) error
}

// merchant defines methods for handling merchant configurations.
type merchant interface {
	CreateMerchantConfig(ctx context.Context, merchant *model.MerchantConfig) (*model.MerchantConfig, error)
	GetMerchantConfig(ctx context.Context, merchantID string) (*model.MerchantConfig, error)
	GetMerchantByPosID(ctx context.Context, posMerchantID string) (*model.MerchantConfig, error)
	GetMerchantByWallet(ctx context.Context, walletAddress string) (*model.MerchantConfig, error)
	GetAllMerchantConfigs(ctx context.Context, limit, offset int) ([]model.MerchantConfig, error)
}
