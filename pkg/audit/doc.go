// Package audit records security relevant events: logins, credential refreshes,
// hierarchy violations, grant changes, user management and catalog edits.
//
// # Loggers
//
// DBLogger persists events to audit_logs and can search them. LogrusLogger
// writes them as structured log lines. MultiLogger fans out to several loggers.
//
// # Usage Example
//
//	event := audit.NewEvent(ctx, audit.EventTypeAuthzHierarchyViolation, audit.EventStatusDenied)
//	event.TargetUserID = &targetID
//	event.Message = "hierarchy violation"
//	_ = logger.Log(ctx, event)
//
// Search audit logs:
//
//	events, err := dbLogger.Search(ctx, audit.SearchFilter{
//		UserID:     &userID,
//		EventTypes: []audit.EventType{audit.EventTypeAuthLoginFailed},
//		Limit:      50,
//	})
//
// # Related Packages
//
//   - pkg/auth: authentication events
//   - pkg/rbac: hierarchy violations
//   - pkg/api: admin mutations
package audit
