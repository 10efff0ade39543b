// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMicroUSDConversion(t *testing.T) {
	assert.Equal(t, 2.7, MicroUSD(2_700_000).USD())
	assert.Equal(t, MicroUSD(2_700_000), FromUSD(2.7))
	assert.Equal(t, MicroUSD(1), FromUSD(0.000001))
}

func TestPeriodKeyForUsesUTC(t *testing.T) {
	// 2026-08-31 23:30 in UTC-5 is already September in UTC.
	loc := time.FixedZone("UTC-5", -5*3600)
	ts := time.Date(2026, 8, 31, 23, 30, 0, 0, loc)
	assert.Equal(t, PeriodKey("2026-09"), PeriodKeyFor(ts))

	assert.Equal(t, PeriodKey("2026-08"),
		PeriodKeyFor(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
}

func TestReservationStateTerminal(t *testing.T) {
	assert.False(t, StateActive.Terminal())
	assert.True(t, StateFinalized.Terminal())
	assert.True(t, StateAborted.Terminal())
	assert.True(t, StateExpired.Terminal())
}
