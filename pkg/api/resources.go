package api

import (
	"context"
	"fmt"

	"github.com/platinummonkey/imobiauth/pkg/auth"
	"github.com/platinummonkey/imobiauth/pkg/catalog"
	"github.com/platinummonkey/imobiauth/pkg/grants"
)

// Resource keys guarding the admin API. Each is the slug of an admin category
// created by SeedAdminCatalog, so grants on that category's feature govern the
// matching part of the admin surface.
const (
	ResourceCategories = "categorias"
	ResourceFeatures   = "funcionalidades"
	ResourceSettings   = "configuracoes"
	ResourceUsers      = "usuarios"
	ResourceRoles      = "perfis"
	ResourceAudit      = "auditoria"
	ResourceSessions   = "sessoes"
)

// AdminRoleName is the bypass role created by BootstrapAdmin
const AdminRoleName = "Administrador"

// AdminRoleLevel is the level of the bootstrap role
const AdminRoleLevel = 100

var adminCatalog = []struct {
	name string
	slug string
}{
	{"Categorias", ResourceCategories},
	{"Funcionalidades", ResourceFeatures},
	{"Configurações", ResourceSettings},
	{"Usuários", ResourceUsers},
	{"Perfis", ResourceRoles},
	{"Auditoria", ResourceAudit},
	{"Sessões", ResourceSessions},
}

// SeedAdminCatalog makes sure every admin resource has a category and a
// feature linked to it. Existing entries are left alone. It returns the number
// of features created.
func SeedAdminCatalog(ctx context.Context, store *catalog.Store) (int, error) {
	categories, err := store.ListCategories(ctx)
	if err != nil {
		return 0, err
	}
	bySlug := make(map[string]*catalog.Category, len(categories))
	for _, c := range categories {
		bySlug[c.Slug] = c
	}

	features, err := store.ListFeatures(ctx)
	if err != nil {
		return 0, err
	}
	byName := make(map[string]struct{}, len(features))
	for _, f := range features {
		byName[f.Name] = struct{}{}
	}

	created := 0
	for i, entry := range adminCatalog {
		category, ok := bySlug[entry.slug]
		if !ok {
			category = &catalog.Category{Name: entry.name, Slug: entry.slug, SortOrder: i, Active: true}
			if err := store.CreateCategory(ctx, category); err != nil {
				return created, fmt.Errorf("failed to seed category %s: %w", entry.slug, err)
			}
		}
		if _, ok := byName[entry.name]; ok {
			continue
		}

		categoryID := category.ID
		feature := &catalog.Feature{Name: entry.name, Active: true, CategoryID: &categoryID}
		if _, err := store.CreateFeature(ctx, feature); err != nil {
			return created, fmt.Errorf("failed to seed feature %s: %w", entry.name, err)
		}
		created++
	}
	return created, nil
}

// BootstrapAdmin creates the bypass role when missing and a first user holding
// it. It fails with grants.ErrAlreadyExists when the username is taken.
func BootstrapAdmin(ctx context.Context, store *grants.Store, username, password string) (*grants.User, error) {
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", grants.ErrInvalid)
	}

	roles, err := store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	var role *grants.Role
	for i := range roles {
		if roles[i].Name == AdminRoleName {
			role = &roles[i]
			break
		}
	}
	if role == nil {
		role = &grants.Role{
			Name:        AdminRoleName,
			Description: "Full access to every resource",
			Level:       AdminRoleLevel,
			Active:      true,
			BypassAll:   true,
		}
		if err := store.CreateRole(ctx, role); err != nil {
			return nil, err
		}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &grants.User{Username: username, Name: username, PasswordHash: hash, Active: true}
	if err := store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	if err := store.AssignRole(ctx, user.ID, role.ID); err != nil {
		return nil, err
	}
	return user, nil
}
