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
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/config"
	"github.com/meridianhq/meridian/database"
	"github.com/meridianhq/meridian/internal/apierror"
	"github.com/meridianhq/meridian/model"
)

func newTestMeridian(t *testing.T) (*Meridian, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Chain: config.ChainConfig{
			ApiUrl:           "http://provider.test",
			ApiKey:           "test-key",
			WebhookSecret:    "chain-secret",
			SettlementMint:   "mintUSDC",
			RateLimitWindow:  1000,
			RateLimitMax:     50,
			RequestTimeout:   5,
			RetryMaxAttempts: 1,
		},
	})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := NewMeridian(&database.Datasource{Conn: db})
	require.NoError(t, err)
	return m, mock, mr
}

func testPaymentRows(record model.PaymentRecord) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"record_id", "merchant_id", "amount_expected", "pos_order_id", "chain_reference", "chain_signature", "status", "created_at", "updated_at"}).
		AddRow(record.RecordID, record.MerchantID, record.AmountExpected, record.PosOrderID, record.ChainReference, record.ChainSignature, record.Status, record.CreatedAt, record.UpdatedAt)
}

func testMerchantRows(merchant model.MerchantConfig) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"merchant_id", "wallet_address", "pos_merchant_id", "webhook_secret", "notification_url", "created_at"}).
		AddRow(merchant.MerchantID, merchant.WalletAddress, merchant.PosMerchantID, merchant.WebhookSecret, merchant.NotificationUrl, merchant.CreatedAt)
}

var testMerchant = model.MerchantConfig{
	MerchantID:    "mch_1",
	WalletAddress: "merchant111",
	PosMerchantID: "pos_42",
	WebhookSecret: "whsec_test",
	CreatedAt:     time.Now(),
}

func settlementEvent(reference string) model.ChainEvent {
	return model.ChainEvent{
		Signature: "sig_1",
		Type:      model.ChainEnhancedTransaction,
		Slot:      250000000,
		Timestamp: time.Now().Unix(),
		Reference: reference,
		TokenTransfers: []model.TokenTransfer{
			{FromUserAccount: "buyer111", ToUserAccount: "merchant111", Amount: decimal.RequireFromString("19.99"), Mint: "mintUSDC"},
		},
	}
}

func TestApplyChainEventSettlesByReference(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		ChainReference: "ref_abc",
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE chain_reference =").
		WithArgs("ref_abc").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectQuery("SELECT .* FROM merchant_configs WHERE merchant_id =").
		WithArgs(testMerchant.MerchantID).
		WillReturnRows(testMerchantRows(testMerchant))
	mock.ExpectExec("UPDATE payment_records SET status =").
		WithArgs(model.StatusConfirmed, "sig_1", "rec_1", model.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	confirmed, err := m.ApplyChainEvent(context.Background(), settlementEvent("ref_abc"))
	assert.NoError(t, err)
	assert.NotNil(t, confirmed)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)
	assert.Equal(t, "sig_1", confirmed.ChainSignature)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChainEventDuplicateIsAcknowledged(t *testing.T) {
	m, mock, mr := newTestMeridian(t)

	require.NoError(t, mr.Set("dedup:chain:sig_1", "1"))

	confirmed, err := m.ApplyChainEvent(context.Background(), settlementEvent("ref_abc"))
	assert.NoError(t, err)
	assert.Nil(t, confirmed)

	// No database work for a duplicate.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChainEventReplayWithoutDedupKeyIsAcknowledged(t *testing.T) {
	m, mock, mr := newTestMeridian(t)

	// Already confirmed by an earlier delivery of the same event, but the
	// Redis dedup key has expired.
	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		ChainReference: "ref_abc",
		ChainSignature: "sig_1",
		Status:         model.StatusConfirmed,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE chain_reference =").
		WithArgs("ref_abc").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectQuery("SELECT .* FROM merchant_configs WHERE merchant_id =").
		WillReturnRows(testMerchantRows(testMerchant))
	mock.ExpectExec("UPDATE payment_records SET status =").
		WithArgs(model.StatusConfirmed, "sig_1", "rec_1", model.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM payment_records WHERE record_id =").
		WithArgs("rec_1").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectQuery("SELECT .* FROM payment_records WHERE chain_signature =").
		WithArgs("sig_1").
		WillReturnRows(testPaymentRows(record))

	assert.False(t, mr.Exists("dedup:chain:sig_1"))

	confirmed, err := m.ApplyChainEvent(context.Background(), settlementEvent("ref_abc"))
	assert.NoError(t, err, "a replayed settlement must be acknowledged, not rejected")
	assert.Nil(t, confirmed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChainEventSignatureReusedAcrossRecordsRejected(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		ChainReference: "ref_abc",
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	other := record
	other.RecordID = "rec_other"
	other.ChainReference = "ref_other"
	other.ChainSignature = "sig_1"
	other.Status = model.StatusConfirmed

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE chain_reference =").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectQuery("SELECT .* FROM merchant_configs WHERE merchant_id =").
		WillReturnRows(testMerchantRows(testMerchant))
	mock.ExpectExec("UPDATE payment_records SET status =").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})
	mock.ExpectQuery("SELECT .* FROM payment_records WHERE chain_signature =").
		WithArgs("sig_1").
		WillReturnRows(testPaymentRows(other))

	_, err := m.ApplyChainEvent(context.Background(), settlementEvent("ref_abc"))
	assert.Error(t, err, "one signature must not credit two records")
	assert.True(t, apierror.HasCode(err, apierror.ErrConflict))
}

func TestApplyChainEventUnknownTypeIgnored(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	event := settlementEvent("ref_abc")
	event.Type = "NFT_SALE"

	confirmed, err := m.ApplyChainEvent(context.Background(), event)
	assert.NoError(t, err)
	assert.Nil(t, confirmed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChainEventWrongWalletRejected(t *testing.T) {
	m, mock, mr := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		ChainReference: "ref_abc",
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE chain_reference =").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectQuery("SELECT .* FROM merchant_configs WHERE merchant_id =").
		WillReturnRows(testMerchantRows(testMerchant))

	event := settlementEvent("ref_abc")
	event.TokenTransfers[0].ToUserAccount = "attacker999"

	_, err := m.ApplyChainEvent(context.Background(), event)
	assert.Error(t, err)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrBadRequest, apiErr.Code)

	// A rejected event stays claimed; redelivering it cannot change the
	// outcome.
	assert.True(t, mr.Exists("dedup:chain:sig_1"))
}

func TestApplyChainEventAmountMismatchRejected(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("25.00"),
		ChainReference: "ref_abc",
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE chain_reference =").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectQuery("SELECT .* FROM merchant_configs WHERE merchant_id =").
		WillReturnRows(testMerchantRows(testMerchant))

	_, err := m.ApplyChainEvent(context.Background(), settlementEvent("ref_abc"))
	assert.Error(t, err)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestApplyChainEventFallbackMatchesOldestPending(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_oldest",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		Status:         model.StatusPending,
		CreatedAt:      time.Now().Add(-time.Hour),
		UpdatedAt:      time.Now().Add(-time.Hour),
	}

	mock.ExpectQuery("SELECT .* FROM merchant_configs WHERE wallet_address =").
		WithArgs("merchant111").
		WillReturnRows(testMerchantRows(testMerchant))
	mock.ExpectQuery("SELECT .* FROM payment_records WHERE merchant_id = .* ORDER BY created_at ASC").
		WithArgs(testMerchant.MerchantID, decimal.RequireFromString("19.99"), model.StatusPending).
		WillReturnRows(testPaymentRows(record))
	mock.ExpectExec("UPDATE payment_records SET status =").
		WithArgs(model.StatusConfirmed, "sig_1", "rec_oldest", model.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	confirmed, err := m.ApplyChainEvent(context.Background(), settlementEvent(""))
	assert.NoError(t, err)
	assert.NotNil(t, confirmed)
	assert.Equal(t, "rec_oldest", confirmed.RecordID)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func posEvent(eventType string) *model.PosEvent {
	return &model.PosEvent{
		EventID:    "evt_1",
		MerchantID: "pos_42",
		Type:       eventType,
		Data: model.PosEventData{
			OrderID:  "order_7",
			Total:    1999,
			Currency: "USD",
		},
	}
}

func TestApplyPosEventOrderCreated(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	mock.ExpectExec("INSERT INTO payment_records").
		WithArgs(sqlmock.AnyArg(), testMerchant.MerchantID, decimal.New(1999, -2), sqlmock.AnyArg(), sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	merchant := testMerchant
	record, err := m.ApplyPosEvent(context.Background(), posEvent(model.PosOrderCreated), &merchant)
	assert.NoError(t, err)
	assert.NotNil(t, record)
	assert.Equal(t, model.StatusPending, record.Status)
	assert.Equal(t, "order_7", record.PosOrderID)
	assert.True(t, strings.HasPrefix(record.ChainReference, "ref_"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPosEventPaymentProcessedCompletesConfirmedRecord(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		PosOrderID:     "order_7",
		ChainSignature: "sig_1",
		Status:         model.StatusConfirmed,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE merchant_id = .* AND pos_order_id =").
		WithArgs(testMerchant.MerchantID, "order_7").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectExec("UPDATE payment_records SET status =").
		WithArgs(model.StatusCompleted, "rec_1", model.StatusConfirmed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	merchant := testMerchant
	updated, err := m.ApplyPosEvent(context.Background(), posEvent(model.PosPaymentProcessed), &merchant)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, updated.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPosEventPaymentProcessedDefersPendingRecord(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		PosOrderID:     "order_7",
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE merchant_id = .* AND pos_order_id =").
		WithArgs(testMerchant.MerchantID, "order_7").
		WillReturnRows(testPaymentRows(record))

	merchant := testMerchant
	updated, err := m.ApplyPosEvent(context.Background(), posEvent(model.PosPaymentProcessed), &merchant)
	assert.NoError(t, err)
	// Record stays pending until the deferred settlement check runs.
	assert.Equal(t, model.StatusPending, updated.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPosEventPaymentProcessedReplayIsNoOp(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		PosOrderID:     "order_7",
		ChainSignature: "sig_1",
		Status:         model.StatusConfirmed,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	completed := record
	completed.Status = model.StatusCompleted

	// A concurrent delivery completed the record between our read and the
	// conditional update.
	mock.ExpectQuery("SELECT .* FROM payment_records WHERE merchant_id = .* AND pos_order_id =").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectExec("UPDATE payment_records SET status =").
		WithArgs(model.StatusCompleted, "rec_1", model.StatusConfirmed).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM payment_records WHERE record_id =").
		WillReturnRows(testPaymentRows(completed))
	mock.ExpectQuery("SELECT .* FROM payment_records WHERE record_id =").
		WillReturnRows(testPaymentRows(completed))

	merchant := testMerchant
	updated, err := m.ApplyPosEvent(context.Background(), posEvent(model.PosPaymentProcessed), &merchant)
	assert.NoError(t, err, "an already-applied transition must be acknowledged, not rejected")
	assert.Equal(t, model.StatusCompleted, updated.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPosEventRefundCompletedRecord(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		PosOrderID:     "order_7",
		ChainSignature: "sig_1",
		Status:         model.StatusCompleted,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE merchant_id = .* AND pos_order_id =").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectExec("UPDATE payment_records SET status =").
		WithArgs(model.StatusRefunded, "rec_1", model.StatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	merchant := testMerchant
	updated, err := m.ApplyPosEvent(context.Background(), posEvent(model.PosRefundIssued), &merchant)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, updated.Status)
}

func TestApplyPosEventRefundIgnoredWhenNotCompleted(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		PosOrderID:     "order_7",
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE merchant_id = .* AND pos_order_id =").
		WillReturnRows(testPaymentRows(record))

	merchant := testMerchant
	updated, err := m.ApplyPosEvent(context.Background(), posEvent(model.PosRefundIssued), &merchant)
	assert.NoError(t, err)
	// No status change; refunds only apply to completed records.
	assert.Equal(t, model.StatusPending, updated.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPosEventDuplicateIsAcknowledged(t *testing.T) {
	m, mock, mr := newTestMeridian(t)

	require.NoError(t, mr.Set("dedup:pos:evt_1", "1"))

	merchant := testMerchant
	record, err := m.ApplyPosEvent(context.Background(), posEvent(model.PosOrderCreated), &merchant)
	assert.NoError(t, err)
	assert.Nil(t, record)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessSettlementRetryCompletesConfirmedRecord(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		PosOrderID:     "order_7",
		ChainSignature: "sig_1",
		Status:         model.StatusConfirmed,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE merchant_id = .* AND pos_order_id =").
		WillReturnRows(testPaymentRows(record))
	mock.ExpectExec("UPDATE payment_records SET status =").
		WithArgs(model.StatusCompleted, "rec_1", model.StatusConfirmed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.ProcessSettlementRetry(context.Background(), SettlementRetryPayload{
		Event:      *posEvent(model.PosPaymentProcessed),
		MerchantID: testMerchant.MerchantID,
	})
	assert.NoError(t, err)
}

func TestProcessSettlementRetryStillPendingErrors(t *testing.T) {
	m, mock, _ := newTestMeridian(t)

	record := model.PaymentRecord{
		RecordID:       "rec_1",
		MerchantID:     testMerchant.MerchantID,
		AmountExpected: decimal.RequireFromString("19.99"),
		PosOrderID:     "order_7",
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM payment_records WHERE merchant_id = .* AND pos_order_id =").
		WillReturnRows(testPaymentRows(record))

	err := m.ProcessSettlementRetry(context.Background(), SettlementRetryPayload{
		Event:      *posEvent(model.PosPaymentProcessed),
		MerchantID: testMerchant.MerchantID,
	})
	assert.Error(t, err, "a still-pending record must trigger an asynq retry")
}
