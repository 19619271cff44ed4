package server

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"famhealth/backend/internal/config"
)

// Audit event types for the PHI access trail.
const (
	auditPHIAccess = "PHI_ACCESS"
	auditPHICreate = "PHI_CREATE"
	auditPHIUpdate = "PHI_UPDATE"
	auditPHIDelete = "PHI_DELETE"
)

// AuditLogger appends structured PHI access events to a dedicated audit file.
// Entries carry identifiers only, never lab values or note text.
type AuditLogger struct {
	enabled bool
	logger  zerolog.Logger
}

func NewAuditLogger(cfg config.Config) *AuditLogger {
	if !cfg.AuditLogEnabled {
		return &AuditLogger{enabled: false, logger: zerolog.New(io.Discard)}
	}

	var sink io.Writer = os.Stderr
	if dir := filepath.Dir(cfg.AuditLogPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err == nil {
			file, err := os.OpenFile(cfg.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
			if err == nil {
				sink = file
			}
		}
	}

	return &AuditLogger{
		enabled: true,
		logger:  zerolog.New(sink).With().Timestamp().Logger(),
	}
}

func (l *AuditLogger) Event(eventType, userID, resourceType, resourceID, action string, details map[string]any) {
	if l == nil || !l.enabled {
		return
	}
	event := l.logger.Info().
		Str("event_type", eventType).
		Str("user_id", userID).
		Str("resource_type", resourceType).
		Str("action", action)
	if resourceID != "" {
		event = event.Str("resource_id", resourceID)
	}
	if len(details) > 0 {
		event = event.Fields(details)
	}
	event.Send()
}

// recordAIAudit writes one row per successful insight or chat interaction,
// kept separate from the PHI audit trail.
func recordAIAudit(ctx context.Context, q dbQuerier, userID, familyMemberID, action, source string, details map[string]any) error {
	id := uuid.NewString()
	var payload any
	if len(details) > 0 {
		payload = mustMarshalJSON(details)
	}
	_, err := q.Exec(
		ctx,
		`INSERT INTO ai_audit_log (id, user_id, family_member_id, action, model_source, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		id,
		userID,
		familyMemberID,
		action,
		source,
		payload,
	)
	return err
}
