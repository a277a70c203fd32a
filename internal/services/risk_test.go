package services

import (
	"testing"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestScoreActivity(t *testing.T) {
	tests := []struct {
		name       string
		features   models.ActivityFeatures
		indicators []string
		level      models.RiskLevel
	}{
		{"quiet", models.ActivityFeatures{DistinctEmails: 1, AttemptCount: 2, TopUserAgentCount: 2}, []string{}, models.RiskLow},
		{"two accounts", models.ActivityFeatures{DistinctEmails: 2, AttemptCount: 2, TopUserAgentCount: 1}, []string{}, models.RiskLow},
		{"three accounts", models.ActivityFeatures{DistinctEmails: 3, AttemptCount: 3, TopUserAgentCount: 1}, []string{IndicatorMultipleAccounts}, models.RiskMedium},
		{"four accounts", models.ActivityFeatures{DistinctEmails: 4, AttemptCount: 4, TopUserAgentCount: 1}, []string{IndicatorMultipleAccounts}, models.RiskMedium},
		{"five accounts", models.ActivityFeatures{DistinctEmails: 5, AttemptCount: 5, TopUserAgentCount: 1}, []string{IndicatorManyAccounts}, models.RiskHigh},
		{"elevated frequency", models.ActivityFeatures{DistinctEmails: 1, AttemptCount: 10, TopUserAgentCount: 1}, []string{IndicatorElevatedFrequency}, models.RiskMedium},
		{"high frequency", models.ActivityFeatures{DistinctEmails: 1, AttemptCount: 20, TopUserAgentCount: 1}, []string{IndicatorHighFrequency}, models.RiskHigh},
		{"repeated agent", models.ActivityFeatures{DistinctEmails: 1, AttemptCount: 5, TopUserAgentCount: 5}, []string{IndicatorRepeatedUserAgent}, models.RiskMedium},
		{
			"everything",
			models.ActivityFeatures{DistinctEmails: 8, AttemptCount: 40, TopUserAgentCount: 40},
			[]string{IndicatorManyAccounts, IndicatorHighFrequency, IndicatorRepeatedUserAgent},
			models.RiskHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			indicators, level := ScoreActivity(tt.features)
			assert.Equal(t, tt.indicators, indicators)
			assert.Equal(t, tt.level, level)
		})
	}
}

func TestAssessLogin(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	chrome := models.DeviceFingerprint{Browser: "Chrome", OS: "Mac OS X", DeviceType: models.DeviceTypeDesktop}
	firefox := models.DeviceFingerprint{Browser: "Firefox", OS: "Linux", DeviceType: models.DeviceTypeDesktop}

	session := func(ip string, device models.DeviceFingerprint, active bool) *models.Session {
		return &models.Session{
			IPAddress:         ip,
			DeviceFingerprint: device,
			IsActive:          active,
			ExpiresAt:         now.Add(time.Hour),
			CreatedAt:         now.Add(-time.Hour),
		}
	}

	tests := []struct {
		name       string
		history    []*models.Session
		ip         string
		device     models.DeviceFingerprint
		suspicious bool
		reasons    []string
	}{
		{"no history", nil, "10.0.0.1", chrome, false, []string{}},
		{"familiar", []*models.Session{session("10.0.0.1", chrome, false)}, "10.0.0.1", chrome, false, []string{}},
		{"new ip", []*models.Session{session("10.0.0.1", chrome, false)}, "10.0.0.2", chrome, true, []string{ReasonNewIPAddress}},
		{"new device", []*models.Session{session("10.0.0.1", chrome, false)}, "10.0.0.1", firefox, true, []string{ReasonUnrecognizedDevice}},
		{
			"many active sessions elsewhere",
			[]*models.Session{
				session("10.0.0.1", chrome, false),
				session("10.0.0.2", chrome, true),
				session("10.0.0.3", chrome, true),
				session("10.0.0.4", chrome, true),
			},
			"10.0.0.1", chrome, true, []string{ReasonActiveSessionsElsewhere},
		},
		{
			"active session here",
			[]*models.Session{
				session("10.0.0.1", chrome, true),
				session("10.0.0.2", chrome, true),
				session("10.0.0.3", chrome, true),
				session("10.0.0.4", chrome, true),
			},
			"10.0.0.1", chrome, false, []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assessment := AssessLogin(tt.history, tt.ip, tt.device, now)
			assert.Equal(t, tt.suspicious, assessment.Suspicious)
			assert.Equal(t, tt.reasons, assessment.Reasons)
		})
	}
}
