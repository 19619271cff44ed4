package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type familyMemberRequest struct {
	Name              string `json:"name"`
	Relationship      string `json:"relationship"`
	DateOfBirth       string `json:"date_of_birth"`
	Gender            string `json:"gender"`
	BloodType         string `json:"blood_type"`
	MedicalConditions string `json:"medical_conditions"`
	Allergies         string `json:"allergies"`
	Notes             string `json:"notes"`
}

func familyMemberJSON(record familyMemberRecord) map[string]any {
	var dateOfBirth any
	if record.DateOfBirth != nil {
		dateOfBirth = record.DateOfBirth.UTC().Format("2006-01-02")
	}
	return map[string]any{
		"id":                 record.ID,
		"name":               record.Name,
		"relationship":       record.Relationship,
		"date_of_birth":      dateOfBirth,
		"gender":             record.Gender,
		"blood_type":         record.BloodType,
		"medical_conditions": record.MedicalConditions,
		"allergies":          record.Allergies,
		"notes":              record.Notes,
		"created_at":         record.CreatedAt.UTC(),
	}
}

func (a *App) createFamilyMember(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload familyMemberRequest
	if !mustJSON(c, &payload) {
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		writeError(c, http.StatusBadRequest, "name is required")
		return
	}
	relationship := strings.TrimSpace(payload.Relationship)
	if relationship == "" {
		writeError(c, http.StatusBadRequest, "relationship is required")
		return
	}
	dateOfBirth, err := parseOptionalDate(payload.DateOfBirth)
	if err != nil {
		writeError(c, http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
		return
	}

	var memberCount int
	if err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT COUNT(*) FROM family_members WHERE user_id = $1`,
		user.ID,
	).Scan(&memberCount); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to check family member limit")
		return
	}
	if memberCount >= a.cfg.MaxFamilyMembers {
		writeError(c, http.StatusBadRequest, "Family member limit reached")
		return
	}

	record := familyMemberRecord{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		Name:              name,
		Relationship:      relationship,
		DateOfBirth:       dateOfBirth,
		Gender:            toOptionalString(payload.Gender),
		BloodType:         toOptionalString(payload.BloodType),
		MedicalConditions: toOptionalString(payload.MedicalConditions),
		Allergies:         toOptionalString(payload.Allergies),
		Notes:             toOptionalString(payload.Notes),
	}
	err = a.db.QueryRow(
		c.Request.Context(),
		`INSERT INTO family_members (
			id, user_id, name, relationship, date_of_birth, gender, blood_type,
			medical_conditions, allergies, notes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING created_at`,
		record.ID,
		record.UserID,
		record.Name,
		record.Relationship,
		record.DateOfBirth,
		record.Gender,
		record.BloodType,
		record.MedicalConditions,
		record.Allergies,
		record.Notes,
	).Scan(&record.CreatedAt)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create family member")
		return
	}

	a.audit.Event(auditPHICreate, user.ID, "family_member", record.ID, "create_family_member", nil)
	c.JSON(http.StatusOK, familyMemberJSON(record))
}

func (a *App) listFamilyMembers(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, user_id, name, relationship, date_of_birth, gender, blood_type,
		        medical_conditions, allergies, notes, created_at
		 FROM family_members WHERE user_id = $1
		 ORDER BY created_at ASC`,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load family members")
		return
	}
	defer rows.Close()

	items := make([]map[string]any, 0, 6)
	for rows.Next() {
		record := familyMemberRecord{}
		if err := rows.Scan(
			&record.ID, &record.UserID, &record.Name, &record.Relationship,
			&record.DateOfBirth, &record.Gender, &record.BloodType,
			&record.MedicalConditions, &record.Allergies, &record.Notes, &record.CreatedAt,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse family members")
			return
		}
		items = append(items, familyMemberJSON(record))
	}

	c.JSON(http.StatusOK, gin.H{"family_members": items})
}

func (a *App) getFamilyMember(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, strings.TrimSpace(c.Param("member_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	a.audit.Event(auditPHIAccess, user.ID, "family_member", record.ID, "view_family_member", nil)
	c.JSON(http.StatusOK, familyMemberJSON(record))
}

func (a *App) updateFamilyMember(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, strings.TrimSpace(c.Param("member_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	var payload familyMemberRequest
	if !mustJSON(c, &payload) {
		return
	}
	if name := strings.TrimSpace(payload.Name); name != "" {
		record.Name = name
	}
	if relationship := strings.TrimSpace(payload.Relationship); relationship != "" {
		record.Relationship = relationship
	}
	if strings.TrimSpace(payload.DateOfBirth) != "" {
		dateOfBirth, err := parseOptionalDate(payload.DateOfBirth)
		if err != nil {
			writeError(c, http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
			return
		}
		record.DateOfBirth = dateOfBirth
	}
	if value := toOptionalString(payload.Gender); value != nil {
		record.Gender = value
	}
	if value := toOptionalString(payload.BloodType); value != nil {
		record.BloodType = value
	}
	if value := toOptionalString(payload.MedicalConditions); value != nil {
		record.MedicalConditions = value
	}
	if value := toOptionalString(payload.Allergies); value != nil {
		record.Allergies = value
	}
	if value := toOptionalString(payload.Notes); value != nil {
		record.Notes = value
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE family_members SET
			name = $1, relationship = $2, date_of_birth = $3, gender = $4,
			blood_type = $5, medical_conditions = $6, allergies = $7, notes = $8,
			updated_at = NOW()
		 WHERE id = $9`,
		record.Name,
		record.Relationship,
		record.DateOfBirth,
		record.Gender,
		record.BloodType,
		record.MedicalConditions,
		record.Allergies,
		record.Notes,
		record.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update family member")
		return
	}

	a.audit.Event(auditPHIUpdate, user.ID, "family_member", record.ID, "update_family_member", nil)
	c.JSON(http.StatusOK, familyMemberJSON(record))
}

func (a *App) deleteFamilyMember(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, strings.TrimSpace(c.Param("member_id")))
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`DELETE FROM family_members WHERE id = $1`,
		record.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete family member")
		return
	}

	a.audit.Event(auditPHIDelete, user.ID, "family_member", record.ID, "delete_family_member", nil)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
