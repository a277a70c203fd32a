package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditMetadata_Validate(t *testing.T) {
	tests := []struct {
		name      string
		eventType AuditEventType
		metadata  AuditMetadata
		wantErr   error
	}{
		{"nil metadata", AuditEventLogin, nil, nil},
		{"recognized keys", AuditEventFailedLogin, AuditMetadata{MetaFailureReason: "invalid_password", MetaAttemptCount: "3"}, nil},
		{"key from another event", AuditEventLogin, AuditMetadata{MetaAttemptCount: "3"}, ErrInvalidMetadata},
		{"free-form key", AuditEventLogout, AuditMetadata{"browser": "firefox"}, ErrInvalidMetadata},
		{"unknown event", AuditEventType("register"), nil, ErrInvalidEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.metadata.Validate(tt.eventType)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuditEventType_IsValid(t *testing.T) {
	for _, et := range []AuditEventType{
		AuditEventLogin, AuditEventLogout, AuditEventFailedLogin, AuditEventTokenExpired,
		AuditEventSessionExtended, AuditEventPasswordChanged, AuditEventAccountLocked,
		AuditEventSuspiciousActivity,
	} {
		assert.True(t, et.IsValid(), et)
	}
	assert.False(t, AuditEventType("mfa_setup").IsValid())
}

func TestAllowedMetadataKeys_ReturnsCopy(t *testing.T) {
	keys := AllowedMetadataKeys(AuditEventLogin)
	require.NotEmpty(t, keys)

	keys[0] = "tampered"
	assert.NotContains(t, AllowedMetadataKeys(AuditEventLogin), MetadataKey("tampered"))
}

func TestAuditMetadata_JSONRoundTrip(t *testing.T) {
	original := AuditMetadata{MetaSessionID: "abc", MetaRememberMe: "true"}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"abc","remember_me":"true"}`, string(data))

	var decoded AuditMetadata
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}
