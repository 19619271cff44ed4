package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// dietEntryRow is the full persisted shape; the insight context only carries
// the trimmed dietEntryRecord.
type dietEntryRow struct {
	ID             string
	FamilyMemberID string
	FoodName       string
	MealType       *string
	Quantity       *string
	Calories       *float64
	Notes          *string
	EntryDate      time.Time
}

type dietEntryRequest struct {
	FoodName  string   `json:"food_name"`
	MealType  string   `json:"meal_type"`
	Quantity  string   `json:"quantity"`
	Calories  *float64 `json:"calories"`
	Notes     string   `json:"notes"`
	EntryDate string   `json:"entry_date"`
}

func dietEntryJSON(row dietEntryRow) map[string]any {
	return map[string]any{
		"id":               row.ID,
		"family_member_id": row.FamilyMemberID,
		"food_name":        row.FoodName,
		"meal_type":        row.MealType,
		"quantity":         row.Quantity,
		"calories":         row.Calories,
		"notes":            row.Notes,
		"entry_date":       row.EntryDate.UTC().Format("2006-01-02"),
	}
}

func (a *App) createDietEntry(c *gin.Context) {
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

	var payload dietEntryRequest
	if !mustJSON(c, &payload) {
		return
	}
	foodName := strings.TrimSpace(payload.FoodName)
	if foodName == "" {
		writeError(c, http.StatusBadRequest, "food_name is required")
		return
	}
	entryDate := time.Now().UTC().Truncate(24 * time.Hour)
	if strings.TrimSpace(payload.EntryDate) != "" {
		entryDate, err = parseDate(payload.EntryDate)
		if err != nil {
			writeError(c, http.StatusBadRequest, "entry_date must be YYYY-MM-DD")
			return
		}
	}

	row := dietEntryRow{
		ID:             uuid.NewString(),
		FamilyMemberID: member.ID,
		FoodName:       foodName,
		MealType:       toOptionalString(payload.MealType),
		Quantity:       toOptionalString(payload.Quantity),
		Calories:       payload.Calories,
		Notes:          toOptionalString(payload.Notes),
		EntryDate:      entryDate,
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`INSERT INTO diet_entries (
			id, family_member_id, food_name, meal_type, quantity, calories, notes, entry_date, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		row.ID,
		row.FamilyMemberID,
		row.FoodName,
		row.MealType,
		row.Quantity,
		row.Calories,
		row.Notes,
		row.EntryDate,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create diet entry")
		return
	}

	a.audit.Event(auditPHICreate, user.ID, "diet_entry", row.ID, "create_diet_entry", map[string]any{
		"family_member_id": member.ID,
	})
	c.JSON(http.StatusOK, dietEntryJSON(row))
}

func (a *App) listDietEntries(c *gin.Context) {
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
		`SELECT id, family_member_id, food_name, meal_type, quantity, calories, notes, entry_date
		 FROM diet_entries
		 WHERE family_member_id = $1
		 ORDER BY entry_date DESC, id DESC`,
		member.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load diet entries")
		return
	}
	defer rows.Close()

	items := make([]map[string]any, 0, 16)
	for rows.Next() {
		row := dietEntryRow{}
		if err := rows.Scan(
			&row.ID, &row.FamilyMemberID, &row.FoodName, &row.MealType,
			&row.Quantity, &row.Calories, &row.Notes, &row.EntryDate,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse diet entries")
			return
		}
		items = append(items, dietEntryJSON(row))
	}

	c.JSON(http.StatusOK, gin.H{"diet_entries": items})
}

func (a *App) deleteDietEntry(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	entryID := strings.TrimSpace(c.Param("entry_id"))
	var familyMemberID string
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT family_member_id FROM diet_entries WHERE id = $1`,
		entryID,
	).Scan(&familyMemberID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Diet entry not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load diet entry")
		return
	}
	if _, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, familyMemberID); err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`DELETE FROM diet_entries WHERE id = $1`,
		entryID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete diet entry")
		return
	}

	a.audit.Event(auditPHIDelete, user.ID, "diet_entry", entryID, "delete_diet_entry", nil)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type healthLogRow struct {
	ID             string
	FamilyMemberID string
	LogType        string
	Value          *string
	Unit           *string
	Notes          *string
	LoggedAt       time.Time
}

type healthLogRequest struct {
	LogType  string `json:"log_type"`
	Value    string `json:"value"`
	Unit     string `json:"unit"`
	Notes    string `json:"notes"`
	LoggedAt string `json:"logged_at"`
}

func healthLogJSON(row healthLogRow) map[string]any {
	return map[string]any{
		"id":               row.ID,
		"family_member_id": row.FamilyMemberID,
		"log_type":         row.LogType,
		"value":            row.Value,
		"unit":             row.Unit,
		"notes":            row.Notes,
		"logged_at":        row.LoggedAt.UTC(),
	}
}

func (a *App) createHealthLog(c *gin.Context) {
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

	var payload healthLogRequest
	if !mustJSON(c, &payload) {
		return
	}
	logType := strings.ToLower(strings.TrimSpace(payload.LogType))
	if logType == "" {
		writeError(c, http.StatusBadRequest, "log_type is required")
		return
	}
	loggedAt := time.Now().UTC()
	if strings.TrimSpace(payload.LoggedAt) != "" {
		loggedAt, err = parseTimestamp(payload.LoggedAt)
		if err != nil {
			writeError(c, http.StatusBadRequest, "logged_at must be RFC3339")
			return
		}
	}

	row := healthLogRow{
		ID:             uuid.NewString(),
		FamilyMemberID: member.ID,
		LogType:        logType,
		Value:          toOptionalString(payload.Value),
		Unit:           toOptionalString(payload.Unit),
		Notes:          toOptionalString(payload.Notes),
		LoggedAt:       loggedAt,
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`INSERT INTO health_logs (
			id, family_member_id, log_type, value, unit, notes, logged_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		row.ID,
		row.FamilyMemberID,
		row.LogType,
		row.Value,
		row.Unit,
		row.Notes,
		row.LoggedAt,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create health log")
		return
	}

	a.audit.Event(auditPHICreate, user.ID, "health_log", row.ID, "create_health_log", map[string]any{
		"family_member_id": member.ID,
	})
	c.JSON(http.StatusOK, healthLogJSON(row))
}

func (a *App) listHealthLogs(c *gin.Context) {
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

	var typeFilter any
	if logType := strings.ToLower(strings.TrimSpace(c.Query("log_type"))); logType != "" {
		typeFilter = logType
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, family_member_id, log_type, value, unit, notes, logged_at
		 FROM health_logs
		 WHERE family_member_id = $1
		   AND ($2::text IS NULL OR log_type = $2)
		 ORDER BY logged_at DESC, id DESC`,
		member.ID,
		typeFilter,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load health logs")
		return
	}
	defer rows.Close()

	items := make([]map[string]any, 0, 16)
	for rows.Next() {
		row := healthLogRow{}
		if err := rows.Scan(
			&row.ID, &row.FamilyMemberID, &row.LogType, &row.Value,
			&row.Unit, &row.Notes, &row.LoggedAt,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse health logs")
			return
		}
		items = append(items, healthLogJSON(row))
	}

	c.JSON(http.StatusOK, gin.H{"health_logs": items})
}

func (a *App) deleteHealthLog(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	logID := strings.TrimSpace(c.Param("log_id"))
	var familyMemberID string
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT family_member_id FROM health_logs WHERE id = $1`,
		logID,
	).Scan(&familyMemberID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Health log not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load health log")
		return
	}
	if _, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, familyMemberID); err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`DELETE FROM health_logs WHERE id = $1`,
		logID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete health log")
		return
	}

	a.audit.Event(auditPHIDelete, user.ID, "health_log", logID, "delete_health_log", nil)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
