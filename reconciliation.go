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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridianhq/meridian/config"
	"github.com/meridianhq/meridian/internal/apierror"
	redlock "github.com/meridianhq/meridian/internal/lock"
	"github.com/meridianhq/meridian/internal/notification"
	"github.com/meridianhq/meridian/model"
)

const (
	// dedupTTL keeps processed event markers long enough to outlive any
	// realistic redelivery window from either webhook source.
	dedupTTL = 24 * time.Hour

	reconcileLockTimeout = 30 * time.Second
	reconcileLockWait    = 10 * time.Second
)

// claimEvent marks an event as being processed. Returns false when another
// delivery of the same event already claimed it.
func (m *Meridian) claimEvent(ctx context.Context, key string) (bool, error) {
	claimed, err := m.redis.SetNX(ctx, key, "1", dedupTTL).Result()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim event", err)
	}
	return claimed, nil
}

// releaseEvent drops a claim so a failed event can be redelivered.
func (m *Meridian) releaseEvent(ctx context.Context, key string) {
	if err := m.redis.Del(ctx, key).Err(); err != nil {
		logrus.Warnf("failed to release event claim %s: %v", key, err)
	}
}

// ApplyChainEvent reconciles one verified transaction event from the
// blockchain data provider against the payment records. It returns the
// confirmed record, or nil when the event was a duplicate or carried
// nothing to settle.
func (m *Meridian) ApplyChainEvent(ctx context.Context, event model.ChainEvent) (*model.PaymentRecord, error) {
	if event.Type != model.ChainEnhancedTransaction && event.Type != model.ChainTokenTransfer {
		logrus.Infof("ignoring chain event %s with type %s", event.Signature, event.Type)
		return nil, nil
	}

	dedupKey := fmt.Sprintf("dedup:chain:%s", event.Signature)
	claimed, err := m.claimEvent(ctx, dedupKey)
	if err != nil {
		return nil, err
	}
	if !claimed {
		logrus.Infof("chain event %s already processed, acknowledging", event.Signature)
		return nil, nil
	}

	record, err := m.applyChainEvent(ctx, event)
	if err != nil {
		if apierror.Retryable(err) {
			// Release the claim so the provider's redelivery gets
			// another attempt at a transient failure.
			m.releaseEvent(ctx, dedupKey)
			notification.NotifyError(err)
		}
		return nil, err
	}
	return record, nil
}

func (m *Meridian) applyChainEvent(ctx context.Context, event model.ChainEvent) (*model.PaymentRecord, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Configuration unavailable", err)
	}

	transfers := event.TokenTransfers
	if len(transfers) == 0 {
		// Some webhook configurations deliver bare signatures; enrich
		// from the provider before matching.
		transfers, err = m.chain.GetTokenTransfers(ctx, event.Signature)
		if err != nil {
			return nil, err
		}
	}

	transfer := settlementTransfer(transfers, cfg.Chain.SettlementMint)
	if transfer == nil {
		logrus.Infof("chain event %s has no settlement transfer, acknowledging", event.Signature)
		return nil, nil
	}

	if event.Reference != "" {
		return m.settleByReference(ctx, event, *transfer)
	}
	return m.settleByAmount(ctx, event, *transfer)
}

// settlementTransfer picks the transfer that pays the merchant. When a
// settlement mint is configured only that token counts; otherwise the first
// transfer wins.
func settlementTransfer(transfers []model.TokenTransfer, mint string) *model.TokenTransfer {
	for i, transfer := range transfers {
		if mint == "" || transfer.Mint == mint {
			return &transfers[i]
		}
	}
	return nil
}

// settleByReference matches a chain event to the record carrying its
// payment reference. This is the precise path: the reference was minted by
// us when the order was created.
func (m *Meridian) settleByReference(ctx context.Context, event model.ChainEvent, transfer model.TokenTransfer) (*model.PaymentRecord, error) {
	record, err := m.datasource.GetPaymentRecordByReference(ctx, event.Reference)
	if err != nil {
		return nil, err
	}

	if err := m.checkTransferAgainstRecord(ctx, record, transfer, event.Signature); err != nil {
		return nil, err
	}

	return m.settleRecord(ctx, record, event.Signature)
}

// settleByAmount is the fallback for transfers without a reference: the
// oldest pending record of the receiving merchant with an exact amount
// match wins. The per-merchant lock keeps two concurrent ambiguous events
// from settling the same record.
func (m *Meridian) settleByAmount(ctx context.Context, event model.ChainEvent, transfer model.TokenTransfer) (*model.PaymentRecord, error) {
	merchant, err := m.datasource.GetMerchantByWallet(ctx, transfer.ToUserAccount)
	if err != nil {
		return nil, err
	}

	locker := redlock.NewLocker(m.redis, fmt.Sprintf("reconcile:%s", merchant.MerchantID), event.Signature)
	if err := locker.WaitLock(ctx, reconcileLockTimeout, reconcileLockWait); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to acquire reconciliation lock", err)
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Warn(err)
		}
	}()

	record, err := m.datasource.GetOldestPendingByAmount(ctx, merchant.MerchantID, transfer.Amount)
	if err != nil {
		return nil, err
	}

	logrus.Warnf("chain event %s matched record %s by amount fallback", event.Signature, record.RecordID)

	return m.settleRecord(ctx, record, event.Signature)
}

// settleRecord confirms the record with the settling signature. A replayed
// event whose signature already confirmed this same record is logged and
// acknowledged as a no-op; the Redis dedup key usually absorbs replays, but
// it can expire or be lost before the source stops redelivering.
func (m *Meridian) settleRecord(ctx context.Context, record *model.PaymentRecord, signature string) (*model.PaymentRecord, error) {
	if err := m.datasource.SettlePaymentRecord(ctx, record.RecordID, signature); err != nil {
		if apierror.HasCode(err, apierror.ErrConflict) {
			settled, getErr := m.datasource.GetPaymentRecordBySignature(ctx, signature)
			if getErr == nil && settled.RecordID == record.RecordID {
				logrus.Infof("signature %s already settled record %s, acknowledging replay", signature, record.RecordID)
				return nil, nil
			}
		}
		return nil, err
	}

	record.Status = model.StatusConfirmed
	record.ChainSignature = signature
	m.notifyStatusChange(record)
	return record, nil
}

// advanceStatus moves a record between statuses, treating a transition a
// replayed event already applied as a no-op. Returns whether this call
// performed the move.
func (m *Meridian) advanceStatus(ctx context.Context, record *model.PaymentRecord, from, to string) (bool, error) {
	err := m.datasource.UpdatePaymentStatus(ctx, record.RecordID, from, to)
	if err == nil {
		return true, nil
	}
	if apierror.HasCode(err, apierror.ErrConflict) {
		current, getErr := m.datasource.GetPaymentRecord(ctx, record.RecordID)
		if getErr == nil && current.Status == to {
			logrus.Infof("record %s already %s, acknowledging replay", record.RecordID, to)
			return false, nil
		}
	}
	return false, err
}

// checkTransferAgainstRecord verifies the transfer actually pays the
// record's merchant wallet for the expected amount before any status moves.
func (m *Meridian) checkTransferAgainstRecord(ctx context.Context, record *model.PaymentRecord, transfer model.TokenTransfer, signature string) error {
	merchant, err := m.datasource.GetMerchantConfig(ctx, record.MerchantID)
	if err != nil {
		return err
	}

	if transfer.ToUserAccount != merchant.WalletAddress {
		return apierror.NewAPIError(apierror.ErrBadRequest,
			"Transfer destination does not match merchant wallet",
			fmt.Sprintf("signature %s pays %s, merchant wallet is %s", signature, transfer.ToUserAccount, merchant.WalletAddress))
	}

	if !transfer.Amount.Equal(record.AmountExpected) {
		return apierror.NewAPIError(apierror.ErrConflict,
			"Transfer amount does not match expected amount",
			fmt.Sprintf("signature %s transfers %s, record %s expects %s", signature, transfer.Amount, record.RecordID, record.AmountExpected))
	}

	return nil
}

// ApplyPosEvent reconciles one verified POS event for a merchant. It
// returns the affected record, or nil when the event was a duplicate or of
// an unhandled type.
func (m *Meridian) ApplyPosEvent(ctx context.Context, event *model.PosEvent, merchant *model.MerchantConfig) (*model.PaymentRecord, error) {
	dedupKey := fmt.Sprintf("dedup:pos:%s", event.EventID)
	claimed, err := m.claimEvent(ctx, dedupKey)
	if err != nil {
		return nil, err
	}
	if !claimed {
		logrus.Infof("pos event %s already processed, acknowledging", event.EventID)
		return nil, nil
	}

	record, err := m.applyPosEvent(ctx, event, merchant)
	if err != nil {
		if apierror.Retryable(err) {
			m.releaseEvent(ctx, dedupKey)
			notification.NotifyError(err)
		}
		return nil, err
	}
	return record, nil
}

func (m *Meridian) applyPosEvent(ctx context.Context, event *model.PosEvent, merchant *model.MerchantConfig) (*model.PaymentRecord, error) {
	switch event.Type {
	case model.PosOrderCreated:
		return m.createRecordFromOrder(ctx, event, merchant)
	case model.PosPaymentProcessed:
		return m.completeFromPayment(ctx, event, merchant)
	case model.PosRefundIssued:
		return m.refundFromPos(ctx, event, merchant)
	default:
		logrus.Infof("ignoring pos event %s with type %s", event.EventID, event.Type)
		return nil, nil
	}
}

// createRecordFromOrder opens a pending payment record for a new POS order
// and mints the reference the buyer's payment request will carry on-chain.
func (m *Meridian) createRecordFromOrder(ctx context.Context, event *model.PosEvent, merchant *model.MerchantConfig) (*model.PaymentRecord, error) {
	record := &model.PaymentRecord{
		MerchantID:     merchant.MerchantID,
		AmountExpected: event.PosAmount(),
		PosOrderID:     event.Data.OrderID,
		ChainReference: model.GenerateUUIDWithSuffix("ref"),
	}
	return m.datasource.CreatePaymentRecord(ctx, record)
}

// completeFromPayment closes the loop on a POS payment. A confirmed record
// completes immediately; a still-pending one is parked on the settlement
// retry queue because the on-chain confirmation usually trails the POS by
// seconds.
func (m *Meridian) completeFromPayment(ctx context.Context, event *model.PosEvent, merchant *model.MerchantConfig) (*model.PaymentRecord, error) {
	record, err := m.datasource.GetPaymentRecordByPosOrder(ctx, merchant.MerchantID, event.Data.OrderID)
	if err != nil {
		return nil, err
	}

	switch record.Status {
	case model.StatusConfirmed:
		moved, err := m.advanceStatus(ctx, record, model.StatusConfirmed, model.StatusCompleted)
		if err != nil {
			return nil, err
		}
		record.Status = model.StatusCompleted
		if moved {
			m.notifyStatusChange(record)
		}
		return record, nil
	case model.StatusPending:
		if err := m.queue.queueSettlementRetry(*event, merchant.MerchantID); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to defer settlement check", err)
		}
		return record, nil
	case model.StatusCompleted:
		// Redelivered after completion; nothing to do.
		return record, nil
	default:
		logrus.Warnf("pos payment for record %s arrived in status %s, ignoring", record.RecordID, record.Status)
		return record, nil
	}
}

// refundFromPos moves a completed record to refunded. Refunds for records
// in any other status are acknowledged and logged, never applied.
func (m *Meridian) refundFromPos(ctx context.Context, event *model.PosEvent, merchant *model.MerchantConfig) (*model.PaymentRecord, error) {
	record, err := m.datasource.GetPaymentRecordByPosOrder(ctx, merchant.MerchantID, event.Data.OrderID)
	if err != nil {
		return nil, err
	}

	if record.Status != model.StatusCompleted {
		logrus.Warnf("refund for record %s ignored, status is %s", record.RecordID, record.Status)
		return record, nil
	}

	moved, err := m.advanceStatus(ctx, record, model.StatusCompleted, model.StatusRefunded)
	if err != nil {
		return nil, err
	}
	record.Status = model.StatusRefunded
	if moved {
		m.notifyStatusChange(record)
	}
	return record, nil
}

// ProcessSettlementRetry re-runs a deferred PAYMENT_PROCESSED check from
// the settlement queue. A record still pending returns an error so asynq
// retries with backoff; a confirmed record completes.
func (m *Meridian) ProcessSettlementRetry(ctx context.Context, payload SettlementRetryPayload) error {
	record, err := m.datasource.GetPaymentRecordByPosOrder(ctx, payload.MerchantID, payload.Event.Data.OrderID)
	if err != nil {
		return err
	}

	switch record.Status {
	case model.StatusConfirmed:
		moved, err := m.advanceStatus(ctx, record, model.StatusConfirmed, model.StatusCompleted)
		if err != nil {
			return err
		}
		record.Status = model.StatusCompleted
		if moved {
			m.notifyStatusChange(record)
		}
		return nil
	case model.StatusPending:
		return fmt.Errorf("record %s still awaiting on-chain confirmation", record.RecordID)
	default:
		// Completed or terminal; the retry is moot.
		return nil
	}
}

// notifyStatusChange queues a merchant notification for a record that just
// moved. Notification failures never fail the reconciliation itself.
func (m *Meridian) notifyStatusChange(record *model.PaymentRecord) {
	if err := m.queue.queueMerchantNotification(record); err != nil {
		logrus.Warnf("failed to queue notification for record %s: %v", record.RecordID, err)
	}
}
