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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"

	"github.com/meridianhq/meridian"
	"github.com/meridianhq/meridian/config"
	redis_db "github.com/meridianhq/meridian/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// processSettlementRetry re-checks a PAYMENT_PROCESSED event whose payment
// record had no on-chain confirmation yet. Returning an error while the
// record is still pending pushes the task back for another attempt.
func (b *meridianInstance) processSettlementRetry(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("meridian.settlement.worker").Start(ctx, "Process Settlement Retry From Redis Queue")
	defer span.End()

	var payload meridian.SettlementRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	err := b.meridian.ProcessSettlementRetry(ctx, payload)
	if err != nil {
		logrus.Infof("Settlement retry for event %s pushed back: %v", payload.Event.EventID, err)
		return err
	}

	log.Println(" [*] Settlement Retry Processed", payload.Event.EventID)
	return nil
}

// deliverMerchantNotification posts a status-change notification to the
// merchant's configured endpoint.
func (b *meridianInstance) deliverMerchantNotification(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("meridian.notification.worker").Start(ctx, "Deliver Merchant Notification From Redis Queue")
	defer span.End()

	var payload meridian.NotificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	err := b.meridian.SendMerchantNotification(ctx, payload)
	if err != nil {
		logrus.Infof("Notification for record %s pushed back: %v", payload.RecordID, err)
		return err
	}

	log.Println(" [*] Merchant Notification Delivered", payload.RecordID)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.SettlementQueue] = 3
	queues[cfg.Queue.NotificationQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *meridianInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Queue.SettlementQueue, b.processSettlementRetry)
	mux.HandleFunc(cfg.Queue.NotificationQueue, b.deliverMerchantNotification)
}

// workerCommands defines the "workers" command to start worker processes.
// The workers listen to the settlement retry and merchant notification queues.
func workerCommands(b *meridianInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start meridian workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
