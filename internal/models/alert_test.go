package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityForSeverity(t *testing.T) {
	assert.Equal(t, PriorityUrgent, PriorityForSeverity(SeverityCritical))
	assert.Equal(t, PriorityHigh, PriorityForSeverity(SeverityHigh))
	assert.Equal(t, PriorityMedium, PriorityForSeverity(SeverityMedium))
	assert.Equal(t, PriorityLow, PriorityForSeverity(SeverityLow))
}

func TestMethodsForPriority(t *testing.T) {
	assert.ElementsMatch(t, []AlertMethod{MethodSMS, MethodPush, MethodEmail}, MethodsForPriority(PriorityUrgent))
	assert.ElementsMatch(t, []AlertMethod{MethodPush, MethodEmail}, MethodsForPriority(PriorityHigh))
	assert.ElementsMatch(t, []AlertMethod{MethodPush}, MethodsForPriority(PriorityMedium))
	assert.ElementsMatch(t, []AlertMethod{MethodInApp}, MethodsForPriority(PriorityLow))
}

func TestCanRetry(t *testing.T) {
	alert := &Alert{Status: AlertStatusFailed, RetryCount: 2, MaxRetries: 3}
	assert.True(t, alert.CanRetry())

	alert.RetryCount = 3
	assert.False(t, alert.CanRetry())

	alert.RetryCount = 0
	alert.Status = AlertStatusSent
	assert.False(t, alert.CanRetry())
}
