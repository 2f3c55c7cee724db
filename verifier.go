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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/meridianhq/meridian/config"
	"github.com/meridianhq/meridian/internal/apierror"
	"github.com/meridianhq/meridian/model"
)

// VerifyChainRequest authenticates a delivery from the blockchain data
// provider and parses its payload. The provider sends a shared bearer token;
// the comparison is constant-time. Verification failures never reveal which
// check rejected the request.
func (m *Meridian) VerifyChainRequest(authHeader string, body []byte) ([]model.ChainEvent, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Configuration unavailable", err)
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" || cfg.Chain.WebhookSecret == "" || !secureCompare(token, cfg.Chain.WebhookSecret) {
		return nil, apierror.NewAPIError(apierror.ErrAuthentication, "Webhook authentication failed", nil)
	}

	var events []model.ChainEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Malformed webhook payload", err)
	}

	for _, event := range events {
		if err := validateChainEvent(event); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid chain event", err)
		}
	}

	return events, nil
}

// VerifyPosRequest authenticates a POS webhook delivery against the
// merchant's shared secret. The signature header carries a hex-encoded
// HMAC-SHA256 of the raw body; it must be computed over the bytes as
// received, before any JSON decoding.
func (m *Meridian) VerifyPosRequest(body []byte, signature, secret string) (*model.PosEvent, error) {
	if signature == "" || secret == "" {
		return nil, apierror.NewAPIError(apierror.ErrAuthentication, "Webhook authentication failed", nil)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, apierror.NewAPIError(apierror.ErrAuthentication, "Webhook authentication failed", nil)
	}

	var event model.PosEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Malformed webhook payload", err)
	}

	if err := validatePosEvent(event); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid POS event", err)
	}

	return &event, nil
}

// ParsePosEnvelope decodes just enough of an unverified POS payload to
// identify the sending merchant. The returned event must not be trusted
// until VerifyPosRequest accepts the delivery.
func ParsePosEnvelope(body []byte) (*model.PosEvent, error) {
	var event model.PosEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Malformed webhook payload", err)
	}
	if event.MerchantID == "" {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Webhook payload has no merchant", nil)
	}
	return &event, nil
}

func validateChainEvent(event model.ChainEvent) error {
	return validation.ValidateStruct(&event,
		validation.Field(&event.Signature, validation.Required),
		validation.Field(&event.Type, validation.Required),
	)
}

func validatePosEvent(event model.PosEvent) error {
	err := validation.ValidateStruct(&event,
		validation.Field(&event.EventID, validation.Required),
		validation.Field(&event.MerchantID, validation.Required),
		validation.Field(&event.Type, validation.Required),
	)
	if err != nil {
		return err
	}
	return validation.ValidateStruct(&event.Data,
		validation.Field(&event.Data.OrderID, validation.Required),
		validation.Field(&event.Data.Total, validation.Min(int64(0))),
	)
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
