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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionAllowed(t *testing.T) {
	legal := [][2]string{
		{StatusPending, StatusConfirmed},
		{StatusPending, StatusFailed},
		{StatusConfirmed, StatusCompleted},
		{StatusCompleted, StatusRefunded},
	}
	for _, tr := range legal {
		assert.True(t, TransitionAllowed(tr[0], tr[1]), "%s -> %s should be legal", tr[0], tr[1])
	}

	illegal := [][2]string{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusRefunded},
		{StatusConfirmed, StatusPending},
		{StatusConfirmed, StatusRefunded},
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusConfirmed},
		{StatusFailed, StatusConfirmed},
		{StatusFailed, StatusPending},
		{StatusRefunded, StatusCompleted},
		{StatusConfirmed, StatusConfirmed},
	}
	for _, tr := range illegal {
		assert.False(t, TransitionAllowed(tr[0], tr[1]), "%s -> %s should be rejected", tr[0], tr[1])
	}
}

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("rec")
	assert.Contains(t, id, "rec_")
	other := GenerateUUIDWithSuffix("rec")
	assert.NotEqual(t, id, other)
}

func TestPosAmount(t *testing.T) {
	e := PosEvent{Data: PosEventData{Total: 10000, Currency: "USD"}}
	assert.Equal(t, "100", e.PosAmount().String())

	e = PosEvent{Data: PosEventData{Total: 1999, Currency: "USD"}}
	assert.Equal(t, "19.99", e.PosAmount().String())
}
