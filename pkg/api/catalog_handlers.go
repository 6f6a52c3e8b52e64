package api

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/catalog"
	"github.com/platinummonkey/imobiauth/pkg/consistency"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

// CategoryRequest creates or updates a category
type CategoryRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Description string `json:"description,omitempty"`
	SortOrder   int    `json:"sort_order"`
	Active      *bool  `json:"active,omitempty"`
}

// FeatureRequest creates or updates a feature. CategoryID only applies on
// creation, where it creates the first link.
type FeatureRequest struct {
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	Active      *bool  `json:"active,omitempty"`
	CategoryID  *int64 `json:"category_id,omitempty"`
}

// FeatureResponse is a feature with its provisioned permissions
type FeatureResponse struct {
	*catalog.Feature
	Permissions []catalog.Permission `json:"permissions"`
}

// LinkRequest creates or moves a feature-category link
type LinkRequest struct {
	CategoryID int64 `json:"category_id"`
	SortOrder  int   `json:"sort_order"`
}

func (s *Server) catalogRoutes() []route {
	return []route{
		{http.MethodGet, "/categories", ResourceCategories, rbac.LevelRead, s.listCategories},
		{http.MethodPost, "/categories", ResourceCategories, rbac.LevelWrite, s.createCategory},
		{http.MethodGet, "/categories/{id:[0-9]+}", ResourceCategories, rbac.LevelRead, s.getCategory},
		{http.MethodPut, "/categories/{id:[0-9]+}", ResourceCategories, rbac.LevelWrite, s.updateCategory},
		{http.MethodDelete, "/categories/{id:[0-9]+}", ResourceCategories, rbac.LevelDelete, s.deleteCategory},

		{http.MethodGet, "/features", ResourceFeatures, rbac.LevelRead, s.listFeatures},
		{http.MethodPost, "/features", ResourceFeatures, rbac.LevelWrite, s.createFeature},
		{http.MethodGet, "/features/{id:[0-9]+}", ResourceFeatures, rbac.LevelRead, s.getFeature},
		{http.MethodPut, "/features/{id:[0-9]+}", ResourceFeatures, rbac.LevelWrite, s.updateFeature},
		{http.MethodDelete, "/features/{id:[0-9]+}", ResourceFeatures, rbac.LevelDelete, s.deleteFeature},
		{http.MethodGet, "/features/{id:[0-9]+}/categories", ResourceFeatures, rbac.LevelRead, s.listFeatureLinks},
		{http.MethodPost, "/features/{id:[0-9]+}/categories", ResourceFeatures, rbac.LevelWrite, s.createLink},
		{http.MethodPut, "/feature-categories/{id:[0-9]+}", ResourceFeatures, rbac.LevelWrite, s.updateLink},
		{http.MethodDelete, "/feature-categories/{id:[0-9]+}", ResourceFeatures, rbac.LevelDelete, s.deleteLink},

		{http.MethodPost, "/feature-categories/sync", ResourceSettings, rbac.LevelAdmin, s.reconcile},
		{http.MethodGet, "/feature-categories/sync", ResourceSettings, rbac.LevelRead, s.validateConsistency},
	}
}

// listCategories handles GET /admin/categories
func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.catalog.ListCategories(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if categories == nil {
		categories = []*catalog.Category{}
	}
	httputil.WriteSuccess(w, categories)
}

// createCategory handles POST /admin/categories
func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	var req CategoryRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	category := &catalog.Category{
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		SortOrder:   req.SortOrder,
		Active:      req.Active == nil || *req.Active,
	}
	if err := s.catalog.CreateCategory(r.Context(), category); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.catalogChanged(r, audit.EventTypeCatalogCategoryCreate, audit.ResourceTypeCategory, category.ID, "category created")
	httputil.WriteCreated(w, category)
}

// getCategory handles GET /admin/categories/{id}
func (s *Server) getCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	category, err := s.catalog.GetCategory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, category)
}

// updateCategory handles PUT /admin/categories/{id}. Omitted fields keep their
// current values.
func (s *Server) updateCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req CategoryRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	category, err := s.catalog.GetCategory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name != "" {
		category.Name = req.Name
	}
	if req.Slug != "" {
		category.Slug = req.Slug
	}
	if req.Description != "" {
		category.Description = req.Description
	}
	category.SortOrder = req.SortOrder
	if req.Active != nil {
		category.Active = *req.Active
	}

	if err := s.catalog.UpdateCategory(r.Context(), category); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.catalogChanged(r, audit.EventTypeCatalogCategoryUpdate, audit.ResourceTypeCategory, id, "category updated")
	httputil.WriteSuccess(w, category)
}

// deleteCategory handles DELETE /admin/categories/{id}
func (s *Server) deleteCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.catalog.DeleteCategory(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.catalogChanged(r, audit.EventTypeCatalogCategoryDelete, audit.ResourceTypeCategory, id, "category deleted")
	httputil.WriteNoContent(w)
}

// listFeatures handles GET /admin/features
func (s *Server) listFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.catalog.ListFeatures(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if features == nil {
		features = []*catalog.Feature{}
	}
	httputil.WriteSuccess(w, features)
}

// createFeature handles POST /admin/features. The feature's five permissions
// are provisioned with it.
func (s *Server) createFeature(w http.ResponseWriter, r *http.Request) {
	var req FeatureRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	feature := &catalog.Feature{
		Name:        req.Name,
		URL:         req.URL,
		Description: req.Description,
		Active:      req.Active == nil || *req.Active,
		CategoryID:  req.CategoryID,
	}
	permissions, err := s.catalog.CreateFeature(r.Context(), feature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// the pointer was set by the link observer
	created, err := s.catalog.GetFeature(r.Context(), feature.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.catalogChanged(r, audit.EventTypeCatalogFeatureCreate, audit.ResourceTypeFeature, feature.ID, "feature created")
	httputil.WriteCreated(w, FeatureResponse{Feature: created, Permissions: permissions})
}

// getFeature handles GET /admin/features/{id}
func (s *Server) getFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	feature, err := s.catalog.GetFeature(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	permissions, err := s.catalog.ListPermissions(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if permissions == nil {
		permissions = []catalog.Permission{}
	}
	httputil.WriteSuccess(w, FeatureResponse{Feature: feature, Permissions: permissions})
}

// updateFeature handles PUT /admin/features/{id}. The category pointer is not
// writable here; it follows the links.
func (s *Server) updateFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req FeatureRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.CategoryID != nil {
		httputil.WriteBadRequest(w, "category_id is managed through feature-category links")
		return
	}

	feature, err := s.catalog.GetFeature(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name != "" {
		feature.Name = req.Name
	}
	if req.URL != "" {
		feature.URL = req.URL
	}
	if req.Description != "" {
		feature.Description = req.Description
	}
	if req.Active != nil {
		feature.Active = *req.Active
	}

	if err := s.catalog.UpdateFeature(r.Context(), feature); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.catalogChanged(r, audit.EventTypeCatalogFeatureUpdate, audit.ResourceTypeFeature, id, "feature updated")
	httputil.WriteSuccess(w, feature)
}

// deleteFeature handles DELETE /admin/features/{id}
func (s *Server) deleteFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.catalog.DeleteFeature(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.catalogChanged(r, audit.EventTypeCatalogFeatureDelete, audit.ResourceTypeFeature, id, "feature deleted")
	httputil.WriteNoContent(w)
}

// listFeatureLinks handles GET /admin/features/{id}/categories
func (s *Server) listFeatureLinks(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.catalog.GetFeature(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	links, err := s.catalog.ListLinks(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if links == nil {
		links = []catalog.FeatureCategoryLink{}
	}
	httputil.WriteSuccess(w, links)
}

// createLink handles POST /admin/features/{id}/categories
func (s *Server) createLink(w http.ResponseWriter, r *http.Request) {
	featureID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req LinkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.CategoryID <= 0 {
		httputil.WriteBadRequest(w, "category_id is required")
		return
	}

	link, err := s.catalog.CreateLink(r.Context(), featureID, req.CategoryID, req.SortOrder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.catalogChanged(r, audit.EventTypeCatalogLinkChange, audit.ResourceTypeLink, link.ID, "link created")
	httputil.WriteCreated(w, link)
}

// updateLink handles PUT /admin/feature-categories/{id}
func (s *Server) updateLink(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req LinkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.CategoryID <= 0 {
		httputil.WriteBadRequest(w, "category_id is required")
		return
	}

	link, err := s.catalog.UpdateLink(r.Context(), id, req.CategoryID, req.SortOrder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.catalogChanged(r, audit.EventTypeCatalogLinkChange, audit.ResourceTypeLink, id, "link updated")
	httputil.WriteSuccess(w, link)
}

// deleteLink handles DELETE /admin/feature-categories/{id}
func (s *Server) deleteLink(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.catalog.DeleteLink(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.catalogChanged(r, audit.EventTypeCatalogLinkChange, audit.ResourceTypeLink, id, "link deleted")
	httputil.WriteNoContent(w)
}

// reconcile handles POST /admin/feature-categories/sync
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := s.sync.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	event := audit.NewRequestEvent(r, audit.EventTypeCatalogReconcile, audit.EventStatusSuccess)
	event.Message = "reconciliation run"
	event.Metadata["features_updated"] = result.FeaturesUpdated
	event.Metadata["features_cleared"] = result.FeaturesCleared
	s.logAudit(r, event)

	if result.Writes() > 0 {
		s.resolver.InvalidateResources()
	}
	httputil.WriteSuccess(w, result)
}

// validateConsistency handles GET /admin/feature-categories/sync
func (s *Server) validateConsistency(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.sync.Validate(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, consistency.Summarize(statuses))
}

// catalogChanged drops the cached resource set and records the mutation
func (s *Server) catalogChanged(r *http.Request, eventType audit.EventType, resourceType audit.ResourceType, id int64, message string) {
	s.resolver.InvalidateResources()

	event := audit.NewRequestEvent(r, eventType, audit.EventStatusSuccess)
	event.ResourceType = resourceType
	event.ResourceID = strconv.FormatInt(id, 10)
	event.Message = message
	s.logAudit(r, event)
}

func (s *Server) logAudit(r *http.Request, event *audit.AuditEvent) {
	if err := s.audit.Log(r.Context(), event); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Failed to record audit event")
	}
}
