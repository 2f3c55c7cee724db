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
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/meridian/chain"
	"github.com/meridianhq/meridian/config"
	"github.com/meridianhq/meridian/database"
	redis_db "github.com/meridianhq/meridian/internal/redis-db"
)

// Meridian glues the reconciliation pipeline together: the payment record
// store, the blockchain data provider client, the task queue and the shared
// Redis connection used for dedup and locking.
type Meridian struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	chain      *chain.Client
}

// NewMeridian initializes a Meridian instance with the provided datasource.
func NewMeridian(db database.IDataSource) (*Meridian, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	chainClient := chain.NewClient(configuration.Chain)

	newMeridian := &Meridian{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		chain:      chainClient,
	}
	return newMeridian, nil
}

// Chain exposes the provider client for callers that need direct reads,
// such as the dashboard balance endpoint.
func (m *Meridian) Chain() *chain.Client {
	return m.chain
}
