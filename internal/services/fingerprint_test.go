package services

import (
	"testing"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestParseDeviceFingerprint(t *testing.T) {
	tests := []struct {
		name       string
		userAgent  string
		browser    string
		deviceType string
	}{
		{"desktop chrome", chromeMacUA, "Chrome", models.DeviceTypeDesktop},
		{"desktop firefox", firefoxLinux, "Firefox", models.DeviceTypeDesktop},
		{
			"iphone safari",
			"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			"Safari",
			models.DeviceTypeMobile,
		},
		{
			"ipad",
			"Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			"Safari",
			models.DeviceTypeTablet,
		},
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "", models.DeviceTypeBot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := ParseDeviceFingerprint(tt.userAgent)
			if tt.browser != "" {
				assert.Equal(t, tt.browser, fp.Browser)
			}
			assert.Equal(t, tt.deviceType, fp.DeviceType)
			assert.NotEmpty(t, fp.OS)
		})
	}
}

func TestParseDeviceFingerprint_Unknown(t *testing.T) {
	for _, ua := range []string{"", "   ", "unknown"} {
		fp := ParseDeviceFingerprint(ua)
		assert.Equal(t, models.DeviceTypeUnknown, fp.DeviceType)
		assert.Equal(t, "unknown", fp.Browser)
		assert.Equal(t, "unknown", fp.OS)
	}
}

func TestDeviceFingerprint_SameDevice(t *testing.T) {
	a := ParseDeviceFingerprint(chromeMacUA)
	b := ParseDeviceFingerprint(chromeMacUA)
	c := ParseDeviceFingerprint(firefoxLinux)

	assert.True(t, a.SameDevice(b))
	assert.False(t, a.SameDevice(c))
}
