package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/meridianhq/meridian/internal/apierror"
	"github.com/meridianhq/meridian/model"
)

// merchantCacheTTL bounds staleness of cached merchant configurations.
// Webhook verification reads the config on every delivery, so these rows
// are hot.
const merchantCacheTTL = 5 * time.Minute

func merchantCacheKey(merchantID string) string {
	return fmt.Sprintf("merchant:%s", merchantID)
}

func (d Datasource) CreateMerchantConfig(ctx context.Context, merchant *model.MerchantConfig) (*model.MerchantConfig, error) {
	merchant.MerchantID = model.GenerateUUIDWithSuffix("mch")
	merchant.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO merchant_configs (merchant_id, wallet_address, pos_merchant_id, webhook_secret, notification_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, merchant.MerchantID, merchant.WalletAddress, merchant.PosMerchantID, merchant.WebhookSecret, merchant.NotificationUrl, merchant.CreatedAt)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return nil, apierror.NewAPIError(apierror.ErrConflict, "Merchant with this POS ID already exists", err)
			default:
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create merchant config", err)
	}

	return merchant, nil
}

func (d Datasource) GetMerchantConfig(ctx context.Context, merchantID string) (*model.MerchantConfig, error) {
	if d.Cache != nil {
		merchant := model.MerchantConfig{}
		if err := d.Cache.Get(ctx, merchantCacheKey(merchantID), &merchant); err == nil && merchant.MerchantID != "" {
			return &merchant, nil
		}
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT merchant_id, wallet_address, pos_merchant_id, webhook_secret, notification_url, created_at
		FROM merchant_configs
		WHERE merchant_id = $1
	`, merchantID)

	merchant, err := scanMerchantConfig(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Merchant not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve merchant config", err)
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, merchantCacheKey(merchantID), merchant, merchantCacheTTL)
	}
	return merchant, nil
}

func (d Datasource) GetMerchantByPosID(ctx context.Context, posMerchantID string) (*model.MerchantConfig, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT merchant_id, wallet_address, pos_merchant_id, webhook_secret, notification_url, created_at
		FROM merchant_configs
		WHERE pos_merchant_id = $1
	`, posMerchantID)

	merchant, err := scanMerchantConfig(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Merchant not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve merchant config", err)
	}
	return merchant, nil
}

// GetMerchantByWallet resolves the receiving wallet of an observed transfer
// to its merchant. Wallets are not unique-constrained; the first registered
// merchant wins.
func (d Datasource) GetMerchantByWallet(ctx context.Context, walletAddress string) (*model.MerchantConfig, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT merchant_id, wallet_address, pos_merchant_id, webhook_secret, notification_url, created_at
		FROM merchant_configs
		WHERE wallet_address = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, walletAddress)

	merchant, err := scanMerchantConfig(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Merchant not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve merchant config", err)
	}
	return merchant, nil
}

func (d Datasource) GetAllMerchantConfigs(ctx context.Context, limit, offset int) ([]model.MerchantConfig, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT merchant_id, wallet_address, pos_merchant_id, webhook_secret, notification_url, created_at
		FROM merchant_configs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve merchant configs", err)
	}
	defer rows.Close()

	merchants := []model.MerchantConfig{}
	for rows.Next() {
		merchant, err := scanMerchantConfig(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan merchant config", err)
		}
		merchants = append(merchants, *merchant)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over merchant configs", err)
	}

	return merchants, nil
}

func scanMerchantConfig(row interface{ Scan(...interface{}) error }) (*model.MerchantConfig, error) {
	merchant := model.MerchantConfig{}
	var notificationUrl sql.NullString
	err := row.Scan(
		&merchant.MerchantID,
		&merchant.WalletAddress,
		&merchant.PosMerchantID,
		&merchant.WebhookSecret,
		&notificationUrl,
		&merchant.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	merchant.NotificationUrl = notificationUrl.String
	return &merchant, nil
}
