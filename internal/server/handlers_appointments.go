package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type appointmentRow struct {
	ID             string
	FamilyMemberID string
	Title          string
	DoctorName     *string
	Location       *string
	Notes          *string
	ScheduledAt    time.Time
	IsCompleted    bool
}

type appointmentRequest struct {
	Title       string `json:"title"`
	DoctorName  string `json:"doctor_name"`
	Location    string `json:"location"`
	Notes       string `json:"notes"`
	ScheduledAt string `json:"scheduled_at"`
	IsCompleted *bool  `json:"is_completed"`
}

func appointmentJSON(row appointmentRow) map[string]any {
	return map[string]any{
		"id":               row.ID,
		"family_member_id": row.FamilyMemberID,
		"title":            row.Title,
		"doctor_name":      row.DoctorName,
		"location":         row.Location,
		"notes":            row.Notes,
		"scheduled_at":     row.ScheduledAt.UTC(),
		"is_completed":     row.IsCompleted,
	}
}

func (a *App) loadAppointment(ctx context.Context, appointmentID string) (appointmentRow, int, error) {
	row := appointmentRow{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, family_member_id, title, doctor_name, location, notes, scheduled_at, is_completed
		 FROM appointments WHERE id = $1`,
		appointmentID,
	).Scan(
		&row.ID, &row.FamilyMemberID, &row.Title, &row.DoctorName,
		&row.Location, &row.Notes, &row.ScheduledAt, &row.IsCompleted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return appointmentRow{}, http.StatusNotFound, errors.New("Appointment not found")
	}
	if err != nil {
		return appointmentRow{}, http.StatusInternalServerError, err
	}
	return row, http.StatusOK, nil
}

func (a *App) createAppointment(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	member, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, strings.TrimSpace(c.Param("member_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	var payload appointmentRequest
	if !mustJSON(c, &payload) {
		return
	}
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		writeError(c, http.StatusBadRequest, "title is required")
		return
	}
	scheduledAt, err := parseTimestamp(payload.ScheduledAt)
	if err != nil {
		writeError(c, http.StatusBadRequest, "scheduled_at must be RFC3339")
		return
	}

	row := appointmentRow{
		ID:             uuid.NewString(),
		FamilyMemberID: member.ID,
		Title:          title,
		DoctorName:     toOptionalString(payload.DoctorName),
		Location:       toOptionalString(payload.Location),
		Notes:          toOptionalString(payload.Notes),
		ScheduledAt:    scheduledAt,
		IsCompleted:    boolOrDefault(payload.IsCompleted, false),
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`INSERT INTO appointments (
			id, family_member_id, title, doctor_name, location, notes, scheduled_at, is_completed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		row.ID,
		row.FamilyMemberID,
		row.Title,
		row.DoctorName,
		row.Location,
		row.Notes,
		row.ScheduledAt,
		row.IsCompleted,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create appointment")
		return
	}

	a.audit.Event(auditPHICreate, user.ID, "appointment", row.ID, "create_appointment", map[string]any{
		"family_member_id": member.ID,
	})
	c.JSON(http.StatusOK, appointmentJSON(row))
}

func (a *App) listAppointments(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	member, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, strings.TrimSpace(c.Param("member_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, family_member_id, title, doctor_name, location, notes, scheduled_at, is_completed
		 FROM appointments
		 WHERE family_member_id = $1
		 ORDER BY scheduled_at DESC`,
		member.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load appointments")
		return
	}
	defer rows.Close()

	items, ok := scanAppointments(c, rows)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointments": items})
}

// listUpcomingAppointments spans the whole family: every pending appointment
// for any of the user's members, soonest first.
func (a *App) listUpcomingAppointments(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT a.id, a.family_member_id, a.title, a.doctor_name, a.location, a.notes,
		        a.scheduled_at, a.is_completed
		 FROM appointments a
		 JOIN family_members m ON m.id = a.family_member_id
		 WHERE m.user_id = $1 AND a.is_completed = FALSE AND a.scheduled_at >= NOW()
		 ORDER BY a.scheduled_at ASC`,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load appointments")
		return
	}
	defer rows.Close()

	items, ok := scanAppointments(c, rows)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointments": items})
}

func scanAppointments(c *gin.Context, rows pgx.Rows) ([]map[string]any, bool) {
	items := make([]map[string]any, 0, 16)
	for rows.Next() {
		row := appointmentRow{}
		if err := rows.Scan(
			&row.ID, &row.FamilyMemberID, &row.Title, &row.DoctorName,
			&row.Location, &row.Notes, &row.ScheduledAt, &row.IsCompleted,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse appointments")
			return nil, false
		}
		items = append(items, appointmentJSON(row))
	}
	return items, true
}

func (a *App) updateAppointment(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	row, statusCode, err := a.loadAppointment(c.Request.Context(), strings.TrimSpace(c.Param("appointment_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}
	if _, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, row.FamilyMemberID); err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	var payload map[string]any
	if !mustJSON(c, &payload) {
		return
	}

	if raw, present := payload["title"]; present {
		title := strings.TrimSpace(toString(raw))
		if title == "" {
			writeError(c, http.StatusBadRequest, "title must not be empty")
			return
		}
		row.Title = title
	}
	if raw, present := payload["doctor_name"]; present {
		row.DoctorName = toOptionalString(raw)
	}
	if raw, present := payload["location"]; present {
		row.Location = toOptionalString(raw)
	}
	if raw, present := payload["notes"]; present {
		row.Notes = toOptionalString(raw)
	}
	if raw, present := payload["scheduled_at"]; present {
		scheduledAt, err := parseTimestamp(toString(raw))
		if err != nil {
			writeError(c, http.StatusBadRequest, "scheduled_at must be RFC3339")
			return
		}
		row.ScheduledAt = scheduledAt
	}
	if raw, present := payload["is_completed"]; present {
		if completed, isBool := raw.(bool); isBool {
			row.IsCompleted = completed
		}
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE appointments SET
			title = $1, doctor_name = $2, location = $3, notes = $4,
			scheduled_at = $5, is_completed = $6, updated_at = NOW()
		 WHERE id = $7`,
		row.Title,
		row.DoctorName,
		row.Location,
		row.Notes,
		row.ScheduledAt,
		row.IsCompleted,
		row.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update appointment")
		return
	}

	a.audit.Event(auditPHIUpdate, user.ID, "appointment", row.ID, "update_appointment", nil)
	c.JSON(http.StatusOK, appointmentJSON(row))
}

func (a *App) deleteAppointment(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	row, statusCode, err := a.loadAppointment(c.Request.Context(), strings.TrimSpace(c.Param("appointment_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}
	if _, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, row.FamilyMemberID); err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`DELETE FROM appointments WHERE id = $1`,
		row.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete appointment")
		return
	}

	a.audit.Event(auditPHIDelete, user.ID, "appointment", row.ID, "delete_appointment", nil)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
