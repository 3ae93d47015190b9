package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/apsidal/beamline-core/internal/audit"
)

// auditChanSize is the buffered backlog between handlers and the audit
// writer. Entries are dropped (with a warning) rather than block a
// request when the writer falls behind.
const auditChanSize = 256

// auditWriteTimeout bounds each database insert in the writer loop.
const auditWriteTimeout = 5 * time.Second

// auditLog queues an audit trail entry. Safe to call from any handler;
// a no-op when the audit repository is not configured.
func (s *Server) auditLog(action, entityType, entityID, userID string, details map[string]any) {
	if s.auditCh == nil {
		return
	}
	entry := &audit.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userID,
		Source:     "api",
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit backlog full, entry dropped",
			"action", action, "entity_id", entityID)
	}
}

// auditWriterLoop drains queued audit entries into the repository.
// Runs until the server context is cancelled, then flushes whatever
// is still buffered.
func (s *Server) auditWriterLoop(ctx context.Context) {
	write := func(entry *audit.AuditLog) {
		wctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if err := s.auditRepo.Create(wctx, entry); err != nil {
			s.logger.Error("audit write failed",
				"action", entry.Action, "error", err)
		}
	}

	for {
		select {
		case entry := <-s.auditCh:
			write(entry)
		case <-ctx.Done():
			// Drain the remaining backlog before exiting.
			for {
				select {
				case entry := <-s.auditCh:
					write(entry)
				default:
					return
				}
			}
		}
	}
}

// handleListAudit returns the audit trail, newest first.
//
// Query parameters: action, entity_type, entity_id, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeUnavailable(w, "audit log is not configured")
		return
	}

	filter := audit.Filter{
		Action:     r.URL.Query().Get("action"),
		EntityType: r.URL.Query().Get("entity_type"),
		EntityID:   r.URL.Query().Get("entity_id"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit list failed", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
