package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TransactionStatus
		want     bool
	}{
		{StatusPending, StatusSuccess, true},
		{StatusPending, StatusFailed, true},
		{StatusSuccess, StatusRefunded, true},
		{StatusPending, StatusRefunded, false},
		{StatusSuccess, StatusPending, false},
		{StatusSuccess, StatusFailed, false},
		{StatusFailed, StatusSuccess, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusRefunded, false},
		{StatusRefunded, StatusPending, false},
		{StatusRefunded, StatusSuccess, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to),
			"transition %s -> %s", tc.from, tc.to)
	}
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, StatusSuccess, OutcomeSuccess.Status())
	assert.Equal(t, StatusFailed, OutcomeFailed.Status())
	assert.Equal(t, StatusRefunded, OutcomeRefunded.Status())
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusRefunded.Terminal())
}
