package services

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationService_NotifyAndRead(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewNotificationService(db, logrus.New())
	ctx := context.Background()

	n, err := svc.Notify(ctx, "deal won", 7)
	require.NoError(t, err)
	assert.NotEmpty(t, n.Token)

	_, err = svc.Notify(ctx, "", 7)
	assert.Error(t, err, "empty message should be rejected")

	unread, err := svc.ListUnread(ctx, 7)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "deal won", unread[0].Message)

	require.NoError(t, svc.MarkRead(ctx, n.ID))
	unread, err = svc.ListUnread(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, unread)

	assert.Error(t, svc.MarkRead(ctx, 999), "marking a missing notification should error")
}
