/*
Copyright 2025.

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

package eventfilter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crabwatch/crabd/internal/store"
)

func zero() *int {
	z := 0
	return &z
}

func nonzero() *int {
	n := 1
	return &n
}

func TestDerive_NoEvents(t *testing.T) {
	d := Derive(nil, time.Now(), time.Minute)
	assert.Equal(t, StateUnknown, d.CurrentState)
}

func TestDerive_RunningWithinTimeout(t *testing.T) {
	now := time.Now()
	events := []store.Event{
		{ID: 1, Kind: store.EventStart, Timestamp: now.Add(-10 * time.Second)},
	}
	d := Derive(events, now, time.Minute)
	assert.Equal(t, StateRunning, d.CurrentState)
	assert.NotNil(t, d.LastStart)
}

func TestDerive_StartExceedsTimeout(t *testing.T) {
	now := time.Now()
	events := []store.Event{
		{ID: 1, Kind: store.EventStart, Timestamp: now.Add(-2 * time.Minute)},
	}
	d := Derive(events, now, time.Minute)
	assert.Equal(t, StateTimeout, d.CurrentState)
}

func TestDerive_FinishOK(t *testing.T) {
	now := time.Now()
	events := []store.Event{
		{ID: 1, Kind: store.EventStart, Timestamp: now.Add(-time.Minute)},
		{ID: 2, Kind: store.EventFinish, Timestamp: now, StatusCode: zero()},
	}
	d := Derive(events, now, time.Hour)
	assert.Equal(t, StateOK, d.CurrentState)
	assert.Nil(t, d.LastNonOKFinish)
}

func TestDerive_FinishNonZero(t *testing.T) {
	now := time.Now()
	events := []store.Event{
		{ID: 1, Kind: store.EventStart, Timestamp: now.Add(-time.Minute)},
		{ID: 2, Kind: store.EventFinish, Timestamp: now, StatusCode: nonzero()},
	}
	d := Derive(events, now, time.Hour)
	assert.Equal(t, StateFail, d.CurrentState)
	assert.NotNil(t, d.LastNonOKFinish)
}

func TestDerive_AlreadyRunningIsWarn(t *testing.T) {
	now := time.Now()
	events := []store.Event{
		{ID: 1, Kind: store.EventAlreadyRunning, Timestamp: now},
	}
	d := Derive(events, now, time.Hour)
	assert.Equal(t, StateWarn, d.CurrentState)
}

func TestDerive_InhibitedIsWarn(t *testing.T) {
	now := time.Now()
	events := []store.Event{
		{ID: 1, Kind: store.EventInhibited, Timestamp: now},
	}
	d := Derive(events, now, time.Hour)
	assert.Equal(t, StateWarn, d.CurrentState)
}

func TestDerive_Missed(t *testing.T) {
	now := time.Now()
	events := []store.Event{
		{ID: 1, Kind: store.EventMissed, Timestamp: now},
	}
	d := Derive(events, now, time.Hour)
	assert.Equal(t, StateMissed, d.CurrentState)
}

func TestDerive_StreakCounts(t *testing.T) {
	now := time.Now()
	events := []store.Event{
		{ID: 1, Kind: store.EventFinish, Timestamp: now.Add(-3 * time.Minute), StatusCode: nonzero()},
		{ID: 2, Kind: store.EventFinish, Timestamp: now.Add(-2 * time.Minute), StatusCode: nonzero()},
		{ID: 3, Kind: store.EventFinish, Timestamp: now.Add(-1 * time.Minute), StatusCode: nonzero()},
	}
	d := Derive(events, now, time.Hour)
	assert.Equal(t, StateFail, d.CurrentState)
	assert.Equal(t, 3, d.StreakCounts[StateFail])
}

func TestDerive_StreakBreaksOnDifferentState(t *testing.T) {
	now := time.Now()
	events := []store.Event{
		{ID: 1, Kind: store.EventFinish, Timestamp: now.Add(-3 * time.Minute), StatusCode: zero()},
		{ID: 2, Kind: store.EventFinish, Timestamp: now.Add(-2 * time.Minute), StatusCode: nonzero()},
		{ID: 3, Kind: store.EventFinish, Timestamp: now.Add(-1 * time.Minute), StatusCode: nonzero()},
	}
	d := Derive(events, now, time.Hour)
	assert.Equal(t, StateFail, d.CurrentState)
	assert.Equal(t, 2, d.StreakCounts[StateFail])
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, Severity(StateWarn) > Severity(StateOK))
	assert.True(t, Severity(StateLate) > Severity(StateWarn))
	assert.True(t, Severity(StateMissed) > Severity(StateLate))
	assert.True(t, Severity(StateTimeout) > Severity(StateMissed))
	assert.True(t, Severity(StateFail) > Severity(StateTimeout))
}

func TestMax(t *testing.T) {
	assert.Equal(t, StateFail, Max(StateOK, StateFail))
	assert.Equal(t, StateWarn, Max(StateWarn, StateOK))
}
