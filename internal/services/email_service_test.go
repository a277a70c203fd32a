package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAWSSESEmailService_NotifyAccountLocked(t *testing.T) {
	client := &MockSESClient{}
	svc := newSESEmailService(client, "security@labdesk.test", testLogger())

	until := time.Date(2024, 3, 1, 12, 15, 0, 0, time.UTC)
	err := svc.NotifyAccountLocked(context.Background(), "user@example.com", until, &models.RequestContext{IPAddress: "203.0.113.4"})
	require.NoError(t, err)

	require.Len(t, client.Inputs, 1)
	input := client.Inputs[0]
	assert.Equal(t, "security@labdesk.test", aws.ToString(input.Source))
	assert.Equal(t, []string{"user@example.com"}, input.Destination.ToAddresses)
	assert.Contains(t, aws.ToString(input.Message.Body.Text.Data), "203.0.113.4")
	assert.Contains(t, aws.ToString(input.Message.Body.Text.Data), until.Format(time.RFC1123))
}

func TestAWSSESEmailService_NotifySuspiciousLogin(t *testing.T) {
	client := &MockSESClient{}
	svc := newSESEmailService(client, "security@labdesk.test", testLogger())
	user := &models.User{ID: "u1", Email: "user@example.com", Name: "Ada"}

	err := svc.NotifySuspiciousLogin(context.Background(), user, []string{ReasonNewIPAddress, ReasonUnrecognizedDevice}, nil)
	require.NoError(t, err)

	require.Len(t, client.Inputs, 1)
	body := aws.ToString(client.Inputs[0].Message.Body.Text.Data)
	assert.Contains(t, body, "Ada")
	assert.Contains(t, body, "new_ip_address, unrecognized_device")
	assert.Contains(t, body, "unknown")
}

func TestAWSSESEmailService_SendError(t *testing.T) {
	client := &MockSESClient{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	svc := newSESEmailService(client, "security@labdesk.test", testLogger())

	err := svc.NotifyAccountLocked(context.Background(), "user@example.com", time.Now(), nil)
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(testLogger())

	assert.NoError(t, n.NotifyAccountLocked(context.Background(), "user@example.com", time.Now(), nil))
	assert.NoError(t, n.NotifySuspiciousLogin(context.Background(), &models.User{ID: "u1"}, nil, nil))
}
