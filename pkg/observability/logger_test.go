package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/imobiauth/pkg/contextkeys"
)

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(logrus.InfoLevel, &buf)

	logger.Debug("hidden")
	logger.WithField("user_id", int64(7)).Info("resolved")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "resolved", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 7, entry["user_id"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{" WARN ", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"verbose", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestFromContext(t *testing.T) {
	t.Run("stored entry wins", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		entry := logger.WithField("request_id", "abc")
		ctx := WithLogger(context.Background(), entry)

		FromContext(ctx).Info("hello")

		require.Len(t, hook.Entries, 1)
		assert.Equal(t, "abc", hook.LastEntry().Data["request_id"])
	})

	t.Run("falls back to context ids", func(t *testing.T) {
		ctx := contextkeys.WithRequestID(context.Background(), "req-1")
		ctx = contextkeys.WithUserID(ctx, 42)

		entry := FromContext(ctx)
		assert.Equal(t, "req-1", entry.Data["request_id"])
		assert.Equal(t, int64(42), entry.Data["user_id"])
	})

	t.Run("empty context", func(t *testing.T) {
		entry := FromContext(context.Background())
		assert.Empty(t, entry.Data)
	})
}
