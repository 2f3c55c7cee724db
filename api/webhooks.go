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
package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/meridianhq/meridian"
	"github.com/meridianhq/meridian/internal/apierror"
	"github.com/meridianhq/meridian/model"
)

// respondWebhookError maps a pipeline error to the HTTP contract webhook
// sources expect: 4xx means do not redeliver, 5xx plus Retry-After means
// try again later.
func respondWebhookError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	if apierror.Retryable(err) {
		c.Header("Retry-After", strconv.Itoa(apierror.RetryAfterSeconds))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ChainWebhook receives transaction events from the blockchain data
// provider. The whole batch is acknowledged only when every event either
// settles, is a duplicate, or carries nothing to reconcile.
func (a Api) ChainWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	events, err := a.meridian.VerifyChainRequest(c.GetHeader("Authorization"), body)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	confirmed := []model.PaymentRecord{}
	for _, event := range events {
		record, err := a.meridian.ApplyChainEvent(c.Request.Context(), event)
		if err != nil {
			respondWebhookError(c, err)
			return
		}
		if record != nil {
			confirmed = append(confirmed, *record)
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "processed", "confirmed": confirmed})
}

// PosWebhook receives order lifecycle events from the POS platform. The
// delivery is authenticated with the sending merchant's HMAC secret over
// the raw body.
func (a Api) PosWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	envelope, err := meridian.ParsePosEnvelope(body)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	merchant, err := a.meridian.GetMerchantByPosID(c.Request.Context(), envelope.MerchantID)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	event, err := a.meridian.VerifyPosRequest(body, c.GetHeader("X-Pos-Signature"), merchant.WebhookSecret)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	record, err := a.meridian.ApplyPosEvent(c.Request.Context(), event, merchant)
	if err != nil {
		respondWebhookError(c, err)
		return
	}

	if record == nil {
		c.JSON(http.StatusOK, gin.H{"message": "acknowledged"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "processed", "record": record})
}
