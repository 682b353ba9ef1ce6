package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to AlertStatus
		expected bool
	}{
		{AlertActive, AlertInvestigating, true},
		{AlertActive, AlertResolved, true},
		{AlertInvestigating, AlertResolved, true},
		{AlertInvestigating, AlertActive, false},
		{AlertResolved, AlertActive, false},
		{AlertResolved, AlertInvestigating, false},
		{AlertActive, AlertActive, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsValidAlertStatus(t *testing.T) {
	assert.True(t, IsValidAlertStatus(AlertInvestigating))
	assert.False(t, IsValidAlertStatus("closed"))
}
