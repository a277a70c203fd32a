package services

import (
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
)

// Scoring thresholds for one IP over the suspicious-activity window
const (
	highDistinctEmails   = 5
	mediumDistinctEmails = 3
	highAttemptCount     = 20
	mediumAttemptCount   = 10
	repeatedUserAgent    = 5
)

// Activity indicators
const (
	IndicatorManyAccounts      = "many_accounts_targeted"
	IndicatorMultipleAccounts  = "multiple_accounts_targeted"
	IndicatorHighFrequency     = "high_attempt_frequency"
	IndicatorElevatedFrequency = "elevated_attempt_frequency"
	IndicatorRepeatedUserAgent = "repeated_user_agent"
)

// Login assessment reasons
const (
	ReasonNewIPAddress            = "new_ip_address"
	ReasonUnrecognizedDevice      = "unrecognized_device"
	ReasonActiveSessionsElsewhere = "active_sessions_elsewhere"
)

const maxActiveSessionsElsewhere = 2

// ScoreActivity maps an IP's feature vector to indicators and a risk level.
// Indicators accumulate and the level is the highest one triggered.
func ScoreActivity(f models.ActivityFeatures) ([]string, models.RiskLevel) {
	indicators := make([]string, 0)
	level := models.RiskLow

	switch {
	case f.DistinctEmails >= highDistinctEmails:
		indicators = append(indicators, IndicatorManyAccounts)
		level = level.Max(models.RiskHigh)
	case f.DistinctEmails >= mediumDistinctEmails:
		indicators = append(indicators, IndicatorMultipleAccounts)
		level = level.Max(models.RiskMedium)
	}

	switch {
	case f.AttemptCount >= highAttemptCount:
		indicators = append(indicators, IndicatorHighFrequency)
		level = level.Max(models.RiskHigh)
	case f.AttemptCount >= mediumAttemptCount:
		indicators = append(indicators, IndicatorElevatedFrequency)
		level = level.Max(models.RiskMedium)
	}

	if f.TopUserAgentCount >= repeatedUserAgent {
		indicators = append(indicators, IndicatorRepeatedUserAgent)
		level = level.Max(models.RiskMedium)
	}

	return indicators, level
}

// AssessLogin compares a login's IP and device against the user's session
// history. An empty history is never suspicious.
func AssessLogin(history []*models.Session, ipAddress string, device models.DeviceFingerprint, now time.Time) models.LoginAssessment {
	assessment := models.LoginAssessment{Reasons: make([]string, 0)}
	if len(history) == 0 {
		return assessment
	}

	knownIP, knownDevice := false, false
	activeElsewhere, activeHere := 0, false

	for _, s := range history {
		if s.IPAddress == ipAddress {
			knownIP = true
		}
		if s.DeviceFingerprint.SameDevice(device) {
			knownDevice = true
		}
		if s.IsValid(now) {
			if s.IPAddress == ipAddress {
				activeHere = true
			} else {
				activeElsewhere++
			}
		}
	}

	if !knownIP {
		assessment.Reasons = append(assessment.Reasons, ReasonNewIPAddress)
	}
	if !knownDevice {
		assessment.Reasons = append(assessment.Reasons, ReasonUnrecognizedDevice)
	}
	if !activeHere && activeElsewhere > maxActiveSessionsElsewhere {
		assessment.Reasons = append(assessment.Reasons, ReasonActiveSessionsElsewhere)
	}

	assessment.Suspicious = len(assessment.Reasons) > 0
	return assessment
}
