package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/meridian/internal/apierror"
	"github.com/meridianhq/meridian/model"
)

const paymentRecordColumns = `record_id, merchant_id, amount_expected, pos_order_id, chain_reference, chain_signature, status, created_at, updated_at`

func scanPaymentRecord(row interface{ Scan(...interface{}) error }) (*model.PaymentRecord, error) {
	record := model.PaymentRecord{}
	var posOrderID, chainReference, chainSignature sql.NullString
	err := row.Scan(
		&record.RecordID,
		&record.MerchantID,
		&record.AmountExpected,
		&posOrderID,
		&chainReference,
		&chainSignature,
		&record.Status,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.PosOrderID = posOrderID.String
	record.ChainReference = chainReference.String
	record.ChainSignature = chainSignature.String
	return &record, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (d Datasource) CreatePaymentRecord(ctx context.Context, record *model.PaymentRecord) (*model.PaymentRecord, error) {
	record.RecordID = model.GenerateUUIDWithSuffix("rec")
	record.Status = model.StatusPending
	record.CreatedAt = time.Now()
	record.UpdatedAt = record.CreatedAt

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO payment_records (record_id, merchant_id, amount_expected, pos_order_id, chain_reference, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.RecordID, record.MerchantID, record.AmountExpected, nullable(record.PosOrderID), nullable(record.ChainReference), record.Status, record.CreatedAt, record.UpdatedAt)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return nil, apierror.NewAPIError(apierror.ErrConflict, "Payment record with this reference already exists", err)
			case "foreign_key_violation":
				return nil, apierror.NewAPIError(apierror.ErrNotFound, "Merchant not found", err)
			default:
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create payment record", err)
	}

	return record, nil
}

func (d Datasource) GetPaymentRecord(ctx context.Context, id string) (*model.PaymentRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+paymentRecordColumns+`
		FROM payment_records
		WHERE record_id = $1
	`, id)

	record, err := scanPaymentRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Payment record not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment record", err)
	}
	return record, nil
}

func (d Datasource) GetPaymentRecordByReference(ctx context.Context, reference string) (*model.PaymentRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+paymentRecordColumns+`
		FROM payment_records
		WHERE chain_reference = $1
	`, reference)

	record, err := scanPaymentRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Payment record not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment record", err)
	}
	return record, nil
}

func (d Datasource) GetPaymentRecordBySignature(ctx context.Context, signature string) (*model.PaymentRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+paymentRecordColumns+`
		FROM payment_records
		WHERE chain_signature = $1
	`, signature)

	record, err := scanPaymentRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Payment record not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment record", err)
	}
	return record, nil
}

func (d Datasource) GetPaymentRecordByPosOrder(ctx context.Context, merchantID, posOrderID string) (*model.PaymentRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+paymentRecordColumns+`
		FROM payment_records
		WHERE merchant_id = $1 AND pos_order_id = $2
	`, merchantID, posOrderID)

	record, err := scanPaymentRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Payment record not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment record", err)
	}
	return record, nil
}

// GetOldestPendingByAmount returns the oldest pending record for the
// merchant with an exact amount match. Callers must hold the merchant's
// reconciliation lock; the query alone does not prevent double-matching.
func (d Datasource) GetOldestPendingByAmount(ctx context.Context, merchantID string, amount decimal.Decimal) (*model.PaymentRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+paymentRecordColumns+`
		FROM payment_records
		WHERE merchant_id = $1 AND amount_expected = $2 AND status = $3
		ORDER BY created_at ASC
		LIMIT 1
	`, merchantID, amount, model.StatusPending)

	record, err := scanPaymentRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "No pending payment record matches this amount", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment record", err)
	}
	return record, nil
}

func (d Datasource) GetAllPaymentRecords(ctx context.Context, merchantID string, limit, offset int) ([]model.PaymentRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+paymentRecordColumns+`
		FROM payment_records
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, merchantID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment records", err)
	}
	defer rows.Close()

	records := []model.PaymentRecord{}
	for rows.Next() {
		record, err := scanPaymentRecord(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payment record", err)
		}
		records = append(records, *record)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over payment records", err)
	}

	return records, nil
}

// UpdatePaymentStatus performs a compare-and-set on the record's status.
// Zero rows affected means the record either does not exist or was moved by
// a concurrent writer; the two are distinguished with a follow-up read.
func (d Datasource) UpdatePaymentStatus(ctx context.Context, id string, fromStatus, toStatus string) error {
	if !model.TransitionAllowed(fromStatus, toStatus) {
		return apierror.NewAPIError(apierror.ErrConflict, "Illegal status transition", nil)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE payment_records
		SET status = $1, updated_at = NOW()
		WHERE record_id = $2 AND status = $3
	`, toStatus, id, fromStatus)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payment record status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		if _, getErr := d.GetPaymentRecord(ctx, id); getErr != nil {
			return getErr
		}
		return apierror.NewAPIError(apierror.ErrConflict, "Payment record status changed concurrently", nil)
	}

	return nil
}

// SettlePaymentRecord confirms a pending record and stores the settling
// signature atomically. The unique constraint on chain_signature rejects a
// signature that already settled another record.
func (d Datasource) SettlePaymentRecord(ctx context.Context, id string, signature string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE payment_records
		SET status = $1, chain_signature = $2, updated_at = NOW()
		WHERE record_id = $3 AND status = $4
	`, model.StatusConfirmed, signature, id, model.StatusPending)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return apierror.NewAPIError(apierror.ErrConflict, "Transaction signature already settled another record", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to settle payment record", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		if _, getErr := d.GetPaymentRecord(ctx, id); getErr != nil {
			return getErr
		}
		return apierror.NewAPIError(apierror.ErrConflict, "Payment record is no longer pending", nil)
	}

	return nil
}
