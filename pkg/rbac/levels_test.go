package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/imobiauth/pkg/catalog"
)

func TestActionLevel(t *testing.T) {
	tests := []struct {
		action catalog.Action
		want   Level
	}{
		{catalog.ActionRead, LevelRead},
		{catalog.ActionList, LevelRead},
		{catalog.ActionCreate, LevelWrite},
		{catalog.ActionUpdate, LevelWrite},
		{catalog.ActionDelete, LevelDelete},
		{catalog.ActionAdmin, LevelAdmin},
		{catalog.Action("export"), LevelNone},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.want, ActionLevel(tt.action))
		})
	}
}

func TestLevelOrdering(t *testing.T) {
	assert.True(t, LevelRead < LevelWrite)
	assert.True(t, LevelWrite < LevelDelete)
	assert.True(t, LevelDelete < LevelAdmin)
	assert.Equal(t, "ADMIN", LevelAdmin.String())
	assert.Equal(t, "NONE", Level(9).String())
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" write ")
	require.NoError(t, err)
	assert.Equal(t, LevelWrite, l)

	_, err = ParseLevel("owner")
	assert.Error(t, err)
}

func TestPermissions(t *testing.T) {
	p := Permissions{}
	p.Grant("imoveis", LevelDelete)
	p.Grant("imoveis", LevelRead)
	p.Grant("agenda", LevelWrite)

	assert.Equal(t, LevelDelete, p["imoveis"])
	assert.True(t, p.Allows("imoveis", LevelWrite))
	assert.False(t, p.Allows("agenda", LevelAdmin))
	assert.False(t, p.Allows("usuarios", LevelRead))
	assert.False(t, p.Allows("imoveis", LevelNone))
	assert.Equal(t, []string{"agenda", "imoveis"}, p.Resources())
}
