package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	events []*AuditEvent
	err    error
	closed bool
}

func (m *mockLogger) Log(ctx context.Context, event *AuditEvent) error {
	m.events = append(m.events, event)
	return m.err
}

func (m *mockLogger) Close() error {
	m.closed = true
	return m.err
}

func TestMultiLogger_Log(t *testing.T) {
	failing := &mockLogger{err: errors.New("disk full")}
	ok := &mockLogger{}

	multi := NewMultiLogger(failing, ok)
	err := multi.Log(context.Background(), NewEvent(context.Background(), EventTypeAuthLogin, EventStatusSuccess))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	// the second logger still received the event
	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)
}

func TestMultiLogger_Close(t *testing.T) {
	a, b := &mockLogger{}, &mockLogger{}
	require.NoError(t, NewMultiLogger(a, b).Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestLogrusLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	audit := NewLogrusLogger(logger)

	userID, target := int64(1), int64(2)
	event := NewEvent(context.Background(), EventTypeAuthzHierarchyViolation, EventStatusDenied)
	event.UserID = &userID
	event.TargetUserID = &target
	event.Message = "hierarchy violation"
	event.Metadata["operation"] = "edit"

	require.NoError(t, audit.Log(context.Background(), event))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "hierarchy violation", entry.Message)
	assert.Equal(t, EventTypeAuthzHierarchyViolation, entry.Data["event_type"])
	assert.Equal(t, int64(2), entry.Data["target_user_id"])
	assert.Equal(t, "edit", entry.Data["meta_operation"])

	hook.Reset()
	require.NoError(t, audit.Log(context.Background(), NewEvent(context.Background(), EventTypeAuthLogin, EventStatusSuccess)))
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

func TestFromContext(t *testing.T) {
	assert.IsType(t, NoOpLogger{}, FromContext(context.Background()))

	m := &mockLogger{}
	ctx := WithLogger(context.Background(), m)
	assert.Same(t, m, FromContext(ctx))
}

func TestNewRequestEvent(t *testing.T) {
	r := httptest.NewRequest("POST", "/auth/login", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	event := NewRequestEvent(r, EventTypeAuthLoginFailed, EventStatusFailure)
	assert.Equal(t, "203.0.113.9", event.IPAddress)
	assert.Nil(t, event.UserID)
	assert.False(t, event.Timestamp.IsZero())
}
