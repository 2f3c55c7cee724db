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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"

	"github.com/lib/pq"
	"github.com/meridianhq/meridian/internal/apierror"
	"github.com/meridianhq/meridian/model"
	"github.com/stretchr/testify/assert"
)

func merchantRows(merchant model.MerchantConfig) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"merchant_id", "wallet_address", "pos_merchant_id", "webhook_secret", "notification_url", "created_at"}).
		AddRow(merchant.MerchantID, merchant.WalletAddress, merchant.PosMerchantID, merchant.WebhookSecret, merchant.NotificationUrl, merchant.CreatedAt)
}

func TestCreateMerchantConfig_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	merchant := model.MerchantConfig{
		WalletAddress:   gofakeit.UUID(),
		PosMerchantID:   gofakeit.UUID(),
		WebhookSecret:   "whsec_test",
		NotificationUrl: gofakeit.URL(),
	}

	mock.ExpectExec("INSERT INTO merchant_configs").
		WithArgs(sqlmock.AnyArg(), merchant.WalletAddress, merchant.PosMerchantID, merchant.WebhookSecret, merchant.NotificationUrl, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.CreateMerchantConfig(context.Background(), &merchant)
	assert.NoError(t, err)
	assert.NotEmpty(t, created.MerchantID)
	assert.WithinDuration(t, time.Now(), created.CreatedAt, time.Second)
}

func TestCreateMerchantConfig_DuplicatePosID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	merchant := model.MerchantConfig{
		WalletAddress: "merchant111",
		PosMerchantID: "pos_42",
		WebhookSecret: "whsec_test",
	}

	mock.ExpectExec("INSERT INTO merchant_configs").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})

	_, err = ds.CreateMerchantConfig(context.Background(), &merchant)
	assert.Error(t, err)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestGetMerchantByPosID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	merchant := model.MerchantConfig{
		MerchantID:    "mch_123",
		WalletAddress: "merchant111",
		PosMerchantID: "pos_42",
		WebhookSecret: "whsec_test",
		CreatedAt:     time.Now(),
	}

	mock.ExpectQuery("SELECT .* FROM merchant_configs WHERE pos_merchant_id =").
		WithArgs("pos_42").
		WillReturnRows(merchantRows(merchant))

	got, err := ds.GetMerchantByPosID(context.Background(), "pos_42")
	assert.NoError(t, err)
	assert.Equal(t, "mch_123", got.MerchantID)
	assert.Equal(t, "whsec_test", got.WebhookSecret)
}

func TestGetMerchantConfig_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM merchant_configs WHERE merchant_id =").
		WithArgs("mch_missing").
		WillReturnRows(sqlmock.NewRows([]string{"merchant_id"}))

	_, err = ds.GetMerchantConfig(context.Background(), "mch_missing")
	assert.Error(t, err)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}
