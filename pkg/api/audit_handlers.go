package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

const (
	exportPageSize  = 1000
	maxExportEvents = 50000
)

// PurgeAuditRequest deletes audit events older than a cutoff. Exactly one of
// Before and OlderThanDays is set.
type PurgeAuditRequest struct {
	Before        *time.Time `json:"before,omitempty"`
	OlderThanDays int        `json:"older_than_days,omitempty"`
}

// PurgeAuditResponse reports how many events were deleted
type PurgeAuditResponse struct {
	Deleted int64 `json:"deleted"`
}

func (s *Server) auditRoutes() []route {
	return []route{
		{http.MethodGet, "/audit", ResourceAudit, rbac.LevelRead, s.searchAudit},
		{http.MethodGet, "/audit/export", ResourceAudit, rbac.LevelAdmin, s.exportAudit},
		{http.MethodPost, "/audit/purge", ResourceAudit, rbac.LevelAdmin, s.purgeAudit},
	}
}

// searchAudit handles GET /admin/audit. Filters: start, end (RFC 3339),
// user_id, target_user_id, event_type (comma separated), status, limit, offset.
func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditSearch == nil {
		httputil.WriteServiceUnavailable(w, "audit search is not configured")
		return
	}

	filter, err := parseSearchFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := s.auditSearch.Search(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}
	httputil.WriteSuccess(w, events)
}

func parseSearchFilter(r *http.Request) (audit.SearchFilter, error) {
	var (
		filter audit.SearchFilter
		err    error
	)

	if filter.StartTime, err = httputil.ParseQueryTime(r, "start"); err != nil {
		return filter, err
	}
	if filter.EndTime, err = httputil.ParseQueryTime(r, "end"); err != nil {
		return filter, err
	}
	if filter.UserID, err = httputil.ParseQueryInt64Ptr(r, "user_id"); err != nil {
		return filter, err
	}
	if filter.TargetUserID, err = httputil.ParseQueryInt64Ptr(r, "target_user_id"); err != nil {
		return filter, err
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", 100); err != nil {
		return filter, err
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return filter, err
	}

	for _, value := range r.URL.Query()["event_type"] {
		for _, et := range strings.Split(value, ",") {
			if et = strings.TrimSpace(et); et != "" {
				filter.EventTypes = append(filter.EventTypes, audit.EventType(et))
			}
		}
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := audit.EventStatus(status)
		filter.Status = &st
	}
	return filter, nil
}

// exportAudit handles GET /admin/audit/export. It takes the search filters
// plus format (json, ndjson or csv) and ignores limit and offset.
func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditSearch == nil {
		httputil.WriteServiceUnavailable(w, "audit search is not configured")
		return
	}

	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter, err := parseSearchFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var events []*audit.AuditEvent
	filter.Limit = exportPageSize
	for filter.Offset = 0; len(events) < maxExportEvents; filter.Offset += exportPageSize {
		page, err := s.auditSearch.Search(r.Context(), filter)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		events = append(events, page...)
		if len(page) < exportPageSize {
			break
		}
	}

	data, err := audit.Export(events, format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	event := audit.NewRequestEvent(r, audit.EventTypeAdminAuditExport, audit.EventStatusSuccess)
	event.Metadata["format"] = string(format)
	event.Metadata["events"] = len(events)
	s.logAudit(r, event)

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.Filename()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// purgeAudit handles POST /admin/audit/purge
func (s *Server) purgeAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditPurge == nil {
		httputil.WriteServiceUnavailable(w, "audit retention is not configured")
		return
	}

	var req PurgeAuditRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	now := time.Now()
	var before time.Time
	switch {
	case req.Before != nil && req.OlderThanDays != 0:
		httputil.WriteBadRequest(w, "set either before or older_than_days, not both")
		return
	case req.Before != nil:
		before = *req.Before
	case req.OlderThanDays > 0:
		before = now.AddDate(0, 0, -req.OlderThanDays)
	default:
		httputil.WriteBadRequest(w, "before or a positive older_than_days is required")
		return
	}
	if before.After(now) {
		httputil.WriteBadRequest(w, "before must not be in the future")
		return
	}

	deleted, err := s.auditPurge.Purge(r.Context(), before)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	event := audit.NewRequestEvent(r, audit.EventTypeAdminAuditPurge, audit.EventStatusSuccess)
	event.Metadata["before"] = before.UTC().Format(time.RFC3339)
	event.Metadata["deleted"] = deleted
	s.logAudit(r, event)

	httputil.WriteSuccess(w, PurgeAuditResponse{Deleted: deleted})
}
