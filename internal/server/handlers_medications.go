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

// medicationRow is the full persisted shape; the rule engine only sees the
// trimmed medicationRecord.
type medicationRow struct {
	ID                string
	FamilyMemberID    string
	Name              string
	Dosage            *string
	Frequency         *string
	StartDate         *time.Time
	EndDate           *time.Time
	PrescribingDoctor *string
	Notes             *string
	IsActive          bool
}

type medicationRequest struct {
	Name              string `json:"name"`
	Dosage            string `json:"dosage"`
	Frequency         string `json:"frequency"`
	StartDate         string `json:"start_date"`
	EndDate           string `json:"end_date"`
	PrescribingDoctor string `json:"prescribing_doctor"`
	Notes             string `json:"notes"`
	IsActive          *bool  `json:"is_active"`
}

func medicationJSON(row medicationRow) map[string]any {
	var startDate, endDate any
	if row.StartDate != nil {
		startDate = row.StartDate.UTC().Format("2006-01-02")
	}
	if row.EndDate != nil {
		endDate = row.EndDate.UTC().Format("2006-01-02")
	}
	return map[string]any{
		"id":                 row.ID,
		"family_member_id":   row.FamilyMemberID,
		"name":               row.Name,
		"dosage":             row.Dosage,
		"frequency":          row.Frequency,
		"start_date":         startDate,
		"end_date":           endDate,
		"prescribing_doctor": row.PrescribingDoctor,
		"notes":              row.Notes,
		"is_active":          row.IsActive,
	}
}

func (a *App) loadMedication(ctx context.Context, medicationID string) (medicationRow, int, error) {
	row := medicationRow{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, family_member_id, name, dosage, frequency, start_date, end_date,
		        prescribing_doctor, notes, is_active
		 FROM medications WHERE id = $1`,
		medicationID,
	).Scan(
		&row.ID, &row.FamilyMemberID, &row.Name, &row.Dosage, &row.Frequency,
		&row.StartDate, &row.EndDate, &row.PrescribingDoctor, &row.Notes, &row.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return medicationRow{}, http.StatusNotFound, errors.New("Medication not found")
	}
	if err != nil {
		return medicationRow{}, http.StatusInternalServerError, err
	}
	return row, http.StatusOK, nil
}

func (a *App) createMedication(c *gin.Context) {
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

	var payload medicationRequest
	if !mustJSON(c, &payload) {
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		writeError(c, http.StatusBadRequest, "name is required")
		return
	}
	startDate, err := parseOptionalDate(payload.StartDate)
	if err != nil {
		writeError(c, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}
	endDate, err := parseOptionalDate(payload.EndDate)
	if err != nil {
		writeError(c, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}

	row := medicationRow{
		ID:                uuid.NewString(),
		FamilyMemberID:    member.ID,
		Name:              name,
		Dosage:            toOptionalString(payload.Dosage),
		Frequency:         toOptionalString(payload.Frequency),
		StartDate:         startDate,
		EndDate:           endDate,
		PrescribingDoctor: toOptionalString(payload.PrescribingDoctor),
		Notes:             toOptionalString(payload.Notes),
		IsActive:          boolOrDefault(payload.IsActive, true),
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`INSERT INTO medications (
			id, family_member_id, name, dosage, frequency, start_date, end_date,
			prescribing_doctor, notes, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
		row.ID,
		row.FamilyMemberID,
		row.Name,
		row.Dosage,
		row.Frequency,
		row.StartDate,
		row.EndDate,
		row.PrescribingDoctor,
		row.Notes,
		row.IsActive,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create medication")
		return
	}

	a.audit.Event(auditPHICreate, user.ID, "medication", row.ID, "create_medication", map[string]any{
		"family_member_id": member.ID,
	})
	c.JSON(http.StatusOK, medicationJSON(row))
}

func (a *App) listMedications(c *gin.Context) {
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

	activeOnly := strings.TrimSpace(c.Query("active_only")) == "true"

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, family_member_id, name, dosage, frequency, start_date, end_date,
		        prescribing_doctor, notes, is_active
		 FROM medications
		 WHERE family_member_id = $1
		   AND ($2::bool IS FALSE OR is_active = TRUE)
		 ORDER BY name ASC`,
		member.ID,
		activeOnly,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load medications")
		return
	}
	defer rows.Close()

	items := make([]map[string]any, 0, 16)
	for rows.Next() {
		row := medicationRow{}
		if err := rows.Scan(
			&row.ID, &row.FamilyMemberID, &row.Name, &row.Dosage, &row.Frequency,
			&row.StartDate, &row.EndDate, &row.PrescribingDoctor, &row.Notes, &row.IsActive,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse medications")
			return
		}
		items = append(items, medicationJSON(row))
	}

	c.JSON(http.StatusOK, gin.H{"medications": items})
}

func (a *App) updateMedication(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	row, statusCode, err := a.loadMedication(c.Request.Context(), strings.TrimSpace(c.Param("medication_id")))
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

	if raw, present := payload["name"]; present {
		name := strings.TrimSpace(toString(raw))
		if name == "" {
			writeError(c, http.StatusBadRequest, "name must not be empty")
			return
		}
		row.Name = name
	}
	if raw, present := payload["dosage"]; present {
		row.Dosage = toOptionalString(raw)
	}
	if raw, present := payload["frequency"]; present {
		row.Frequency = toOptionalString(raw)
	}
	if raw, present := payload["prescribing_doctor"]; present {
		row.PrescribingDoctor = toOptionalString(raw)
	}
	if raw, present := payload["notes"]; present {
		row.Notes = toOptionalString(raw)
	}
	if raw, present := payload["start_date"]; present {
		startDate, err := parseOptionalDate(toString(raw))
		if err != nil {
			writeError(c, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		row.StartDate = startDate
	}
	if raw, present := payload["end_date"]; present {
		endDate, err := parseOptionalDate(toString(raw))
		if err != nil {
			writeError(c, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
		row.EndDate = endDate
	}
	if raw, present := payload["is_active"]; present {
		if active, isBool := raw.(bool); isBool {
			row.IsActive = active
		}
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE medications SET
			name = $1, dosage = $2, frequency = $3, start_date = $4, end_date = $5,
			prescribing_doctor = $6, notes = $7, is_active = $8, updated_at = NOW()
		 WHERE id = $9`,
		row.Name,
		row.Dosage,
		row.Frequency,
		row.StartDate,
		row.EndDate,
		row.PrescribingDoctor,
		row.Notes,
		row.IsActive,
		row.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update medication")
		return
	}

	a.audit.Event(auditPHIUpdate, user.ID, "medication", row.ID, "update_medication", nil)
	c.JSON(http.StatusOK, medicationJSON(row))
}

func (a *App) deleteMedication(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	row, statusCode, err := a.loadMedication(c.Request.Context(), strings.TrimSpace(c.Param("medication_id")))
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
		`DELETE FROM medications WHERE id = $1`,
		row.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete medication")
		return
	}

	a.audit.Event(auditPHIDelete, user.ID, "medication", row.ID, "delete_medication", nil)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
