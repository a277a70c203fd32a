package services

import (
	"strings"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/mssola/useragent"
)

// ParseDeviceFingerprint derives browser, OS, device type and engine from a user agent
func ParseDeviceFingerprint(userAgent string) models.DeviceFingerprint {
	ua := strings.TrimSpace(userAgent)
	if ua == "" || ua == unknownRequestValue {
		return models.DeviceFingerprint{
			Browser:    unknownRequestValue,
			OS:         unknownRequestValue,
			DeviceType: models.DeviceTypeUnknown,
			Engine:     unknownRequestValue,
		}
	}

	parsed := useragent.New(ua)
	browser, version := parsed.Browser()
	engine, _ := parsed.Engine()

	osName := parsed.OSInfo().Name
	if osName == "" {
		osName = parsed.OS()
	}

	return models.DeviceFingerprint{
		Browser:        orUnknown(browser),
		BrowserVersion: version,
		OS:             orUnknown(osName),
		DeviceType:     deviceType(parsed, ua),
		Engine:         orUnknown(engine),
	}
}

func deviceType(parsed *useragent.UserAgent, ua string) string {
	if parsed.Bot() {
		return models.DeviceTypeBot
	}

	lower := strings.ToLower(ua)
	if strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet") ||
		(strings.Contains(lower, "android") && !strings.Contains(lower, "mobile")) {
		return models.DeviceTypeTablet
	}

	if parsed.Mobile() {
		return models.DeviceTypeMobile
	}
	return models.DeviceTypeDesktop
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknownRequestValue
	}
	return s
}
