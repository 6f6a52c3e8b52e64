package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/contextkeys"
	"github.com/platinummonkey/imobiauth/pkg/observability"
)

func TestCanManage(t *testing.T) {
	tests := []struct {
		name   string
		actor  Principal
		target Principal
		want   bool
	}{
		{"higher manages lower", NewPrincipal(1, 30), NewPrincipal(2, 10), true},
		{"lower cannot manage higher", NewPrincipal(2, 10), NewPrincipal(1, 30), false},
		{"peers lock each other out", NewPrincipal(1, 10), NewPrincipal(2, 10), false},
		{"self at any level", NewPrincipal(1, 100), NewPrincipal(1, 100), false},
		{"nil level is zero", Principal{ID: 1}, Principal{ID: 2}, false},
		{"any level above nil", NewPrincipal(1, 1), Principal{ID: 2}, true},
		{"nil below any level", Principal{ID: 1}, NewPrincipal(2, 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanManage(tt.actor, tt.target))
		})
	}
}

func TestCanManage_Properties(t *testing.T) {
	levels := []int{0, 1, 10, 20, 30, 100}
	for _, la := range levels {
		for _, lb := range levels {
			a, b := NewPrincipal(1, la), NewPrincipal(2, lb)
			if CanManage(a, b) {
				assert.False(t, CanManage(b, a), "levels %d and %d", la, lb)
			}
			if la == lb {
				assert.False(t, CanManage(a, b))
				assert.False(t, CanManage(b, a))
			}
		}
		self := NewPrincipal(7, la)
		assert.False(t, CanManage(self, self))
	}
}

func TestCanAssignLevel(t *testing.T) {
	actor := NewPrincipal(1, 20)
	assert.True(t, CanAssignLevel(actor, 10))
	assert.True(t, CanAssignLevel(actor, 19))
	assert.False(t, CanAssignLevel(actor, 20))
	assert.False(t, CanAssignLevel(actor, 30))
	assert.False(t, CanAssignLevel(Principal{ID: 1}, 0))
}

type recordingAudit struct {
	events []*audit.AuditEvent
	err    error
}

func (r *recordingAudit) Log(ctx context.Context, event *audit.AuditEvent) error {
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingAudit) Close() error { return nil }

func TestGuard_Authorize(t *testing.T) {
	logger, hook := test.NewNullLogger()
	auditLog := &recordingAudit{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	guard := NewGuard(logger, auditLog, metrics)

	ctx := contextkeys.WithRequestID(context.Background(), "req-42")
	corretor := NewPrincipal(10, 10)
	admin := NewPrincipal(20, 30)

	t.Run("allowed", func(t *testing.T) {
		require.NoError(t, guard.Authorize(ctx, OpEditUser, admin, corretor))
		assert.Empty(t, auditLog.events)
		assert.Empty(t, hook.AllEntries())
	})

	t.Run("violation", func(t *testing.T) {
		err := guard.Authorize(ctx, OpDeleteUser, corretor, admin)
		require.ErrorIs(t, err, ErrHierarchyViolation)
		assert.Equal(t, "not authorized", err.Error())
		assert.NotContains(t, err.Error(), "30")

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, 10, entry.Data["actor_level"])
		assert.Equal(t, 30, entry.Data["target_level"])
		assert.Equal(t, "req-42", entry.Data["request_id"])

		require.Len(t, auditLog.events, 1)
		event := auditLog.events[0]
		assert.Equal(t, audit.EventTypeAuthzHierarchyViolation, event.EventType)
		assert.Equal(t, audit.EventStatusDenied, event.Status)
		assert.Equal(t, int64(10), *event.UserID)
		assert.Equal(t, int64(20), *event.TargetUserID)
		assert.Equal(t, OpDeleteUser, event.Metadata["operation"])

		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HierarchyViolationsTotal.WithLabelValues(string(OpDeleteUser))))
	})

	t.Run("self management", func(t *testing.T) {
		assert.ErrorIs(t, guard.Authorize(ctx, OpSetTwoFactor, admin, admin), ErrHierarchyViolation)
	})

	t.Run("audit failure still denies", func(t *testing.T) {
		auditLog.err = errors.New("audit store down")
		defer func() { auditLog.err = nil }()

		err := guard.Authorize(ctx, OpEditUser, corretor, NewPrincipal(11, 10))
		assert.ErrorIs(t, err, ErrHierarchyViolation)
		assert.Equal(t, "Failed to record audit event", hook.LastEntry().Message)
	})
}

func TestGuard_AuthorizeLevel(t *testing.T) {
	auditLog := &recordingAudit{}
	guard := NewGuard(nil, auditLog, nil)
	actor := NewPrincipal(1, 20)

	require.NoError(t, guard.AuthorizeLevel(context.Background(), OpCreateRole, actor, 10))

	err := guard.AuthorizeLevel(context.Background(), OpAssignRole, actor, 20)
	assert.ErrorIs(t, err, ErrHierarchyViolation)
	require.Len(t, auditLog.events, 1)
	assert.Nil(t, auditLog.events[0].TargetUserID)
	assert.Equal(t, 20, auditLog.events[0].Metadata["role_level"])
}

func TestCanConfer(t *testing.T) {
	held := Permissions{"usuarios": LevelAdmin, "vendas": LevelRead}
	gerente := NewPrincipal(1, 50)
	bypass := NewPrincipal(2, 10)
	bypass.Bypass = true

	tests := []struct {
		name     string
		actor    Principal
		resource string
		level    Level
		want     bool
	}{
		{"below held level", gerente, "usuarios", LevelRead, true},
		{"at held level", gerente, "vendas", LevelRead, true},
		{"above held level", gerente, "vendas", LevelWrite, false},
		{"resource not held", gerente, "auditoria", LevelRead, false},
		{"bypass confers anything", bypass, "auditoria", LevelAdmin, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanConfer(tt.actor, held, tt.resource, tt.level))
		})
	}
}

func TestGuard_AuthorizeBypass(t *testing.T) {
	auditLog := &recordingAudit{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	guard := NewGuard(nil, auditLog, metrics)

	admin := NewPrincipal(1, 100)
	admin.Bypass = true
	require.NoError(t, guard.AuthorizeBypass(context.Background(), OpCreateRole, admin))
	assert.Empty(t, auditLog.events)

	// level alone does not allow conferring bypass
	gerente := NewPrincipal(2, 50)
	err := guard.AuthorizeBypass(context.Background(), OpCreateRole, gerente)
	assert.ErrorIs(t, err, ErrHierarchyViolation)
	require.Len(t, auditLog.events, 1)
	assert.Equal(t, audit.EventTypeAuthzHierarchyViolation, auditLog.events[0].EventType)
	assert.Equal(t, true, auditLog.events[0].Metadata["bypass_all"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HierarchyViolationsTotal.WithLabelValues(string(OpCreateRole))))
}

func TestGuard_AuthorizeConfer(t *testing.T) {
	logger, hook := test.NewNullLogger()
	auditLog := &recordingAudit{}
	guard := NewGuard(logger, auditLog, nil)
	actor := NewPrincipal(1, 50)
	held := Permissions{"perfis": LevelWrite}

	require.NoError(t, guard.AuthorizeConfer(context.Background(), OpEditRoleGrant, actor, held, "perfis", LevelWrite))

	err := guard.AuthorizeConfer(context.Background(), OpGrantDirect, actor, held, "perfis", LevelAdmin)
	assert.ErrorIs(t, err, ErrHierarchyViolation)
	require.Len(t, auditLog.events, 1)
	assert.Equal(t, "ADMIN", auditLog.events[0].Metadata["granted_level"])
	assert.Equal(t, "WRITE", auditLog.events[0].Metadata["held_level"])
	assert.Equal(t, "perfis", hook.LastEntry().Data["resource"])
}

func TestErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrHierarchyViolation, ErrPermissionDenied))
	assert.Equal(t, ErrPermissionDenied.Error(), ErrHierarchyViolation.Error())
}
