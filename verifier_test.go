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
	"encoding/hex"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/meridianhq/meridian/internal/apierror"
	"github.com/meridianhq/meridian/model"
)

const chainPayload = `[{
	"signature": "sig_1",
	"type": "ENHANCED_TRANSACTION",
	"slot": 250000000,
	"timestamp": 1721936400,
	"reference": "ref_abc",
	"tokenTransfers": [
		{"fromUserAccount": "buyer111", "toUserAccount": "merchant111", "amount": 19.99, "mint": "mintUSDC"}
	]
}]`

func TestVerifyChainRequest(t *testing.T) {
	m, _, _ := newTestMeridian(t)

	events, err := m.VerifyChainRequest("Bearer chain-secret", []byte(chainPayload))
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "sig_1", events[0].Signature)
	assert.Equal(t, "ref_abc", events[0].Reference)
}

func TestVerifyChainRequestBadToken(t *testing.T) {
	m, _, _ := newTestMeridian(t)

	for _, header := range []string{"", "Bearer wrong", "chain-secret-extra"} {
		_, err := m.VerifyChainRequest(header, []byte(chainPayload))
		assert.Error(t, err)

		apiErr, ok := err.(apierror.APIError)
		assert.True(t, ok)
		assert.Equal(t, apierror.ErrAuthentication, apiErr.Code)
	}
}

func TestVerifyChainRequestMalformedBody(t *testing.T) {
	m, _, _ := newTestMeridian(t)

	_, err := m.VerifyChainRequest("Bearer chain-secret", []byte(`{"not":"an array"`))
	assert.Error(t, err)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrBadRequest, apiErr.Code)
}

func TestVerifyChainRequestMissingSignature(t *testing.T) {
	m, _, _ := newTestMeridian(t)

	_, err := m.VerifyChainRequest("Bearer chain-secret", []byte(`[{"type": "ENHANCED_TRANSACTION"}]`))
	assert.Error(t, err)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)
}

func signPosBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

const posPayload = `{
	"eventId": "evt_1",
	"merchantId": "pos_42",
	"type": "ORDER_CREATED",
	"data": {"id": "order_7", "total": 1999, "currency": "USD"}
}`

func TestVerifyPosRequest(t *testing.T) {
	m, _, _ := newTestMeridian(t)

	body := []byte(posPayload)
	event, err := m.VerifyPosRequest(body, signPosBody(body, "whsec_test"), "whsec_test")
	assert.NoError(t, err)
	assert.Equal(t, "evt_1", event.EventID)
	assert.Equal(t, model.PosOrderCreated, event.Type)
	assert.True(t, event.PosAmount().Equal(decimal.New(1999, -2)))
}

func TestVerifyPosRequestBadSignature(t *testing.T) {
	m, _, _ := newTestMeridian(t)

	body := []byte(posPayload)

	_, err := m.VerifyPosRequest(body, signPosBody(body, "other-secret"), "whsec_test")
	assert.Error(t, err)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrAuthentication, apiErr.Code)

	_, err = m.VerifyPosRequest(body, "", "whsec_test")
	assert.Error(t, err)
}

func TestVerifyPosRequestSignatureCoversRawBody(t *testing.T) {
	m, _, _ := newTestMeridian(t)

	body := []byte(posPayload)
	signature := signPosBody(body, "whsec_test")

	// The same JSON with different whitespace is a different byte stream
	// and must fail verification.
	tampered := []byte(`{"eventId":"evt_1","merchantId":"pos_42","type":"ORDER_CREATED","data":{"id":"order_7","total":1999,"currency":"USD"}}`)
	_, err := m.VerifyPosRequest(tampered, signature, "whsec_test")
	assert.Error(t, err)
}

func TestParsePosEnvelope(t *testing.T) {
	event, err := ParsePosEnvelope([]byte(posPayload))
	assert.NoError(t, err)
	assert.Equal(t, "pos_42", event.MerchantID)

	_, err = ParsePosEnvelope([]byte(`{"type": "ORDER_CREATED"}`))
	assert.Error(t, err)

	_, err = ParsePosEnvelope([]byte(`not json`))
	assert.Error(t, err)
}
