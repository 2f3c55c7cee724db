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
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridianhq/meridian/config"
	redis_db "github.com/meridianhq/meridian/internal/redis-db"
	"github.com/meridianhq/meridian/model"
)

// settlementRetryDelay is how long a PAYMENT_PROCESSED event waits before
// re-checking for its on-chain confirmation. POS terminals routinely report
// payment before the transfer finalizes.
const settlementRetryDelay = 30 * time.Second

// Queue wraps the asynq client used for deferred settlement checks and
// outbound merchant notifications.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// SettlementRetryPayload is the task body for a deferred settlement check.
type SettlementRetryPayload struct {
	Event      model.PosEvent `json:"event"`
	MerchantID string         `json:"merchant_id"`
}

// NotificationPayload is the task body for an outbound merchant
// notification.
type NotificationPayload struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// queueSettlementRetry parks a PAYMENT_PROCESSED event until its on-chain
// confirmation has had time to arrive. The task ID pins one task per POS
// event, so redeliveries do not multiply retries.
func (q *Queue) queueSettlementRetry(event model.PosEvent, merchantID string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(SettlementRetryPayload{Event: event, MerchantID: merchantID})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(event.EventID),
		asynq.Queue(cfg.Queue.SettlementQueue),
		asynq.ProcessIn(settlementRetryDelay),
		asynq.MaxRetry(5),
	}
	task := asynq.NewTask(cfg.Queue.SettlementQueue, payload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued settlement retry: %+v", event.EventID)
	return nil
}

// queueMerchantNotification enqueues a status-change notification for
// delivery to the merchant's configured endpoint.
func (q *Queue) queueMerchantNotification(record *model.PaymentRecord) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(NotificationPayload{RecordID: record.RecordID, Status: record.Status})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s:%s", record.RecordID, record.Status)),
		asynq.Queue(cfg.Queue.NotificationQueue),
	}
	task := asynq.NewTask(cfg.Queue.NotificationQueue, payload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}
