package database

import (
	"database/sql"
	"log"
	"sync"

	"github.com/meridianhq/meridian/config"
	"github.com/meridianhq/meridian/internal/cache"
)

// Package-level singleton so every consumer shares one connection pool.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}

		ca, errCache := cache.NewCache()
		if errCache != nil {
			err = errCache
			return
		}
		instance = &Datasource{Conn: con, Cache: ca}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createMerchantConfigTable(db)
	if err != nil {
		return nil, err
	}
	err = createPaymentRecordTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createMerchantConfigTable creates the merchant_configs table.
func createMerchantConfigTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS merchant_configs (
			id SERIAL PRIMARY KEY,
			merchant_id TEXT NOT NULL UNIQUE,
			wallet_address TEXT NOT NULL,
			pos_merchant_id TEXT NOT NULL UNIQUE,
			webhook_secret TEXT NOT NULL,
			notification_url TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createPaymentRecordTable creates the payment_records table. The unique
// constraint on chain_signature backs the engine's idempotency guarantee:
// one observed transfer settles at most one record.
func createPaymentRecordTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS payment_records (
			id SERIAL PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			merchant_id TEXT NOT NULL REFERENCES merchant_configs(merchant_id),
			amount_expected NUMERIC NOT NULL,
			pos_order_id TEXT,
			chain_reference TEXT UNIQUE,
			chain_signature TEXT UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_payment_records_pending_match
		ON payment_records (merchant_id, amount_expected, created_at)
		WHERE status = 'pending'
	`)
	return err
}
