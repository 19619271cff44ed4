package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type labResultRequest struct {
	TestName           string   `json:"test_name"`
	Category           string   `json:"category"`
	Value              *float64 `json:"value"`
	Unit               string   `json:"unit"`
	ReferenceRangeLow  *float64 `json:"reference_range_low"`
	ReferenceRangeHigh *float64 `json:"reference_range_high"`
	TestDate           string   `json:"test_date"`
	Notes              string   `json:"notes"`
}

func labResultJSON(record labResultRecord) map[string]any {
	return map[string]any{
		"id":                   record.ID,
		"family_member_id":     record.FamilyMemberID,
		"test_name":            record.TestName,
		"category":             record.Category,
		"value":                record.Value,
		"unit":                 record.Unit,
		"reference_range_low":  record.ReferenceRangeLow,
		"reference_range_high": record.ReferenceRangeHigh,
		"status":               record.Status,
		"test_date":            record.TestDate.UTC().Format("2006-01-02"),
		"notes":                record.Notes,
	}
}

func (a *App) loadLabResult(ctx context.Context, labResultID string) (labResultRecord, int, error) {
	record := labResultRecord{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, family_member_id, test_name, category, value, unit,
		        reference_range_low, reference_range_high, status, test_date, notes
		 FROM lab_results WHERE id = $1`,
		labResultID,
	).Scan(
		&record.ID, &record.FamilyMemberID, &record.TestName, &record.Category,
		&record.Value, &record.Unit, &record.ReferenceRangeLow, &record.ReferenceRangeHigh,
		&record.Status, &record.TestDate, &record.Notes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return labResultRecord{}, http.StatusNotFound, errors.New("Lab result not found")
	}
	if err != nil {
		return labResultRecord{}, http.StatusInternalServerError, err
	}
	return record, http.StatusOK, nil
}

func (a *App) createLabResult(c *gin.Context) {
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

	var payload labResultRequest
	if !mustJSON(c, &payload) {
		return
	}
	testName := strings.TrimSpace(payload.TestName)
	if testName == "" {
		writeError(c, http.StatusBadRequest, "test_name is required")
		return
	}
	category := strings.ToLower(strings.TrimSpace(payload.Category))
	if category == "" {
		category = "blood"
	}
	if !validLabCategory(category) {
		writeError(c, http.StatusBadRequest, "category must be one of: blood, urine, imaging, pathology, genetic, other")
		return
	}
	testDate, err := parseDate(payload.TestDate)
	if err != nil {
		writeError(c, http.StatusBadRequest, "test_date must be YYYY-MM-DD")
		return
	}

	record := labResultRecord{
		ID:                 uuid.NewString(),
		FamilyMemberID:     member.ID,
		TestName:           testName,
		Category:           category,
		Value:              payload.Value,
		Unit:               toOptionalString(payload.Unit),
		ReferenceRangeLow:  payload.ReferenceRangeLow,
		ReferenceRangeHigh: payload.ReferenceRangeHigh,
		TestDate:           testDate,
		Notes:              toOptionalString(payload.Notes),
	}
	// Status is always derived, never accepted from the client.
	record.Status = classifyLabValue(record.Value, record.ReferenceRangeLow, record.ReferenceRangeHigh)

	if _, err := a.db.Exec(
		c.Request.Context(),
		`INSERT INTO lab_results (
			id, family_member_id, test_name, category, value, unit,
			reference_range_low, reference_range_high, status, test_date, notes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
		record.ID,
		record.FamilyMemberID,
		record.TestName,
		record.Category,
		record.Value,
		record.Unit,
		record.ReferenceRangeLow,
		record.ReferenceRangeHigh,
		record.Status,
		record.TestDate,
		record.Notes,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create lab result")
		return
	}

	a.audit.Event(auditPHICreate, user.ID, "lab_result", record.ID, "create_lab_result", map[string]any{
		"family_member_id": member.ID,
	})
	c.JSON(http.StatusOK, labResultJSON(record))
}

func (a *App) listLabResults(c *gin.Context) {
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

	var categoryFilter any
	if category := strings.ToLower(strings.TrimSpace(c.Query("category"))); category != "" {
		if !validLabCategory(category) {
			writeError(c, http.StatusBadRequest, "Invalid category filter")
			return
		}
		categoryFilter = category
	}
	var statusFilter any
	if status := strings.ToLower(strings.TrimSpace(c.Query("status"))); status != "" {
		statusFilter = status
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, family_member_id, test_name, category, value, unit,
		        reference_range_low, reference_range_high, status, test_date, notes
		 FROM lab_results
		 WHERE family_member_id = $1
		   AND ($2::text IS NULL OR category = $2)
		   AND ($3::text IS NULL OR status = $3)
		 ORDER BY test_date DESC, id DESC`,
		member.ID,
		categoryFilter,
		statusFilter,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load lab results")
		return
	}
	defer rows.Close()

	items, ok := scanLabResults(c, rows)
	if !ok {
		return
	}

	a.audit.Event(auditPHIAccess, user.ID, "lab_result", "", "list_lab_results", map[string]any{
		"family_member_id": member.ID,
		"count":            len(items),
	})
	c.JSON(http.StatusOK, gin.H{"lab_results": items})
}

func (a *App) listAbnormalLabResults(c *gin.Context) {
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
		`SELECT id, family_member_id, test_name, category, value, unit,
		        reference_range_low, reference_range_high, status, test_date, notes
		 FROM lab_results
		 WHERE family_member_id = $1 AND status = ANY($2)
		 ORDER BY test_date DESC, id DESC`,
		member.ID,
		abnormalStatuses,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load lab results")
		return
	}
	defer rows.Close()

	items, ok := scanLabResults(c, rows)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"lab_results": items})
}

func scanLabResults(c *gin.Context, rows pgx.Rows) ([]map[string]any, bool) {
	items := make([]map[string]any, 0, 16)
	for rows.Next() {
		record := labResultRecord{}
		if err := rows.Scan(
			&record.ID, &record.FamilyMemberID, &record.TestName, &record.Category,
			&record.Value, &record.Unit, &record.ReferenceRangeLow, &record.ReferenceRangeHigh,
			&record.Status, &record.TestDate, &record.Notes,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse lab results")
			return nil, false
		}
		items = append(items, labResultJSON(record))
	}
	return items, true
}

func (a *App) getLabResult(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, statusCode, err := a.loadLabResult(c.Request.Context(), strings.TrimSpace(c.Param("lab_result_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}
	if _, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, record.FamilyMemberID); err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	a.audit.Event(auditPHIAccess, user.ID, "lab_result", record.ID, "view_lab_result", nil)
	c.JSON(http.StatusOK, labResultJSON(record))
}

func (a *App) updateLabResult(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, statusCode, err := a.loadLabResult(c.Request.Context(), strings.TrimSpace(c.Param("lab_result_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}
	if _, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, record.FamilyMemberID); err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	var payload map[string]any
	if !mustJSON(c, &payload) {
		return
	}

	if raw, present := payload["test_name"]; present {
		name := strings.TrimSpace(toString(raw))
		if name == "" {
			writeError(c, http.StatusBadRequest, "test_name must not be empty")
			return
		}
		record.TestName = name
	}
	if raw, present := payload["category"]; present {
		category := strings.ToLower(strings.TrimSpace(toString(raw)))
		if !validLabCategory(category) {
			writeError(c, http.StatusBadRequest, "Invalid category")
			return
		}
		record.Category = category
	}
	if raw, present := payload["unit"]; present {
		record.Unit = toOptionalString(raw)
	}
	if raw, present := payload["notes"]; present {
		record.Notes = toOptionalString(raw)
	}
	if raw, present := payload["test_date"]; present {
		testDate, err := parseDate(toString(raw))
		if err != nil {
			writeError(c, http.StatusBadRequest, "test_date must be YYYY-MM-DD")
			return
		}
		record.TestDate = testDate
	}

	boundsChanged := false
	if raw, present := payload["value"]; present {
		record.Value = toOptionalFloat(raw)
		boundsChanged = true
	}
	if raw, present := payload["reference_range_low"]; present {
		record.ReferenceRangeLow = toOptionalFloat(raw)
		boundsChanged = true
	}
	if raw, present := payload["reference_range_high"]; present {
		record.ReferenceRangeHigh = toOptionalFloat(raw)
		boundsChanged = true
	}
	if boundsChanged {
		record.Status = classifyLabValue(record.Value, record.ReferenceRangeLow, record.ReferenceRangeHigh)
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE lab_results SET
			test_name = $1, category = $2, value = $3, unit = $4,
			reference_range_low = $5, reference_range_high = $6,
			status = $7, test_date = $8, notes = $9, updated_at = NOW()
		 WHERE id = $10`,
		record.TestName,
		record.Category,
		record.Value,
		record.Unit,
		record.ReferenceRangeLow,
		record.ReferenceRangeHigh,
		record.Status,
		record.TestDate,
		record.Notes,
		record.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update lab result")
		return
	}

	a.audit.Event(auditPHIUpdate, user.ID, "lab_result", record.ID, "update_lab_result", nil)
	c.JSON(http.StatusOK, labResultJSON(record))
}

func (a *App) deleteLabResult(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, statusCode, err := a.loadLabResult(c.Request.Context(), strings.TrimSpace(c.Param("lab_result_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}
	if _, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, record.FamilyMemberID); err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`DELETE FROM lab_results WHERE id = $1`,
		record.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete lab result")
		return
	}

	a.audit.Event(auditPHIDelete, user.ID, "lab_result", record.ID, "delete_lab_result", nil)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func toOptionalFloat(raw any) *float64 {
	switch v := raw.(type) {
	case float64:
		value := v
		return &value
	case int:
		value := float64(v)
		return &value
	case nil:
		return nil
	}
	return nil
}
