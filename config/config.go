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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5100"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"MERIDIAN_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"MERIDIAN_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"MERIDIAN_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"MERIDIAN_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"MERIDIAN_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"MERIDIAN_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"MERIDIAN_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"MERIDIAN_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"MERIDIAN_REDIS_SKIP_TLS_VERIFY"`
}

// ChainConfig holds credentials and tuning knobs for the blockchain data
// provider. The rate limit bounds outbound calls within a trailing window;
// the request timeout covers a whole operation including retries.
type ChainConfig struct {
	ApiUrl           string `json:"api_url" envconfig:"MERIDIAN_CHAIN_API_URL"`
	ApiKey           string `json:"api_key" envconfig:"MERIDIAN_CHAIN_API_KEY"`
	WebhookSecret    string `json:"webhook_secret" envconfig:"MERIDIAN_CHAIN_WEBHOOK_SECRET"`
	SettlementMint   string `json:"settlement_mint" envconfig:"MERIDIAN_CHAIN_SETTLEMENT_MINT"`
	RateLimitWindow  int    `json:"rate_limit_window_ms" envconfig:"MERIDIAN_CHAIN_RATE_LIMIT_WINDOW_MS"`
	RateLimitMax     int    `json:"rate_limit_max" envconfig:"MERIDIAN_CHAIN_RATE_LIMIT_MAX"`
	RequestTimeout   int    `json:"request_timeout_sec" envconfig:"MERIDIAN_CHAIN_REQUEST_TIMEOUT_SEC"`
	RetryMaxAttempts int    `json:"retry_max_attempts" envconfig:"MERIDIAN_CHAIN_RETRY_MAX_ATTEMPTS"`
}

// RequestTimeoutDuration returns the overall outbound-call timeout.
func (c ChainConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

type PosConfig struct {
	AppId string `json:"app_id" envconfig:"MERIDIAN_POS_APP_ID"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"MERIDIAN_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"MERIDIAN_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"MERIDIAN_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type QueueConfig struct {
	SettlementQueue   string `json:"settlement_queue" envconfig:"MERIDIAN_QUEUE_SETTLEMENT"`
	NotificationQueue string `json:"notification_queue" envconfig:"MERIDIAN_QUEUE_NOTIFICATION"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"MERIDIAN_QUEUE_MONITORING_PORT"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"MERIDIAN_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"MERIDIAN_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Chain           ChainConfig      `json:"chain"`
	Pos             PosConfig        `json:"pos"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("meridian", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called meridian.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Meridian Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Chain.ApiUrl = strings.TrimSpace(cnf.Chain.ApiUrl)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	// Provider defaults: 50 requests per trailing second, 3 attempts,
	// 30s overall timeout. Matches the provider's documented free-tier cap.
	if cnf.Chain.RateLimitWindow <= 0 {
		cnf.Chain.RateLimitWindow = 1000
	}
	if cnf.Chain.RateLimitMax <= 0 {
		cnf.Chain.RateLimitMax = 50
	}
	if cnf.Chain.RetryMaxAttempts <= 0 {
		cnf.Chain.RetryMaxAttempts = 3
	}
	if cnf.Chain.RequestTimeout <= 0 {
		cnf.Chain.RequestTimeout = 30
	}

	if cnf.Queue.SettlementQueue == "" {
		cnf.Queue.SettlementQueue = "settlement_retry_queue"
	}
	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = "merchant_notification_queue"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5101"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
		log.Printf("Warning: Rate limit cleanup interval not specified. Setting default value: %d seconds", defaultCleanup)
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	if mockConfig.Queue.SettlementQueue == "" {
		mockConfig.Queue.SettlementQueue = "settlement_retry_queue"
	}
	if mockConfig.Queue.NotificationQueue == "" {
		mockConfig.Queue.NotificationQueue = "merchant_notification_queue"
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
