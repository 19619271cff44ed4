package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
)

type generateRecommendationsRequest struct {
	FamilyMemberID     string `json:"family_member_id"`
	IncludeSupplements *bool  `json:"include_supplements"`
	IncludeDietary     *bool  `json:"include_dietary"`
	IncludeLifestyle   *bool  `json:"include_lifestyle"`
}

type recommendationFeedbackRequest struct {
	IsAcknowledged bool `json:"is_acknowledged"`
}

func boolOrDefault(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

// generateRecommendations runs the insight pipeline: gather member context,
// ask the configured model provider, fall back to the rule engine on
// provider failure, persist the surviving candidates, and return them.
func (a *App) generateRecommendations(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload generateRecommendationsRequest
	if !mustJSON(c, &payload) {
		return
	}
	memberID := strings.TrimSpace(payload.FamilyMemberID)
	if memberID == "" {
		writeError(c, http.StatusBadRequest, "family_member_id is required")
		return
	}

	member, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, memberID)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	opts := generateOptions{
		IncludeSupplements: boolOrDefault(payload.IncludeSupplements, true),
		IncludeDietary:     boolOrDefault(payload.IncludeDietary, true),
		IncludeLifestyle:   boolOrDefault(payload.IncludeLifestyle, true),
	}

	mc, err := a.gatherMemberContext(c.Request.Context(), member)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to gather member context")
		return
	}
	if mc.LabCount == 0 {
		writeError(c, http.StatusUnprocessableEntity, ErrInsufficientData.Error())
		return
	}

	candidates, source := generateInsightCandidates(c.Request.Context(), a.ai, mc, opts)
	candidates = filterCandidates(candidates, opts)

	inserted, err := a.insertRecommendations(c.Request.Context(), member.ID, source, candidates)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store recommendations")
		return
	}

	if err := recordAIAudit(c.Request.Context(), a.db, user.ID, member.ID, "generate_recommendations", source, map[string]any{
		"count": len(inserted),
	}); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to record audit entry")
		return
	}
	a.audit.Event(auditPHIAccess, user.ID, "recommendation", "", "generate_recommendations", map[string]any{
		"family_member_id": member.ID,
		"model":            source,
		"count":            len(inserted),
	})

	items := make([]map[string]any, 0, len(inserted))
	for _, record := range inserted {
		items = append(items, recommendationJSON(record))
	}
	c.JSON(http.StatusOK, gin.H{
		"recommendations": items,
		"model_used":      source,
	})
}

func (a *App) listRecommendations(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	memberID := strings.TrimSpace(c.Param("member_id"))
	member, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, memberID)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	activeOnly := strings.TrimSpace(c.Query("active_only")) != "false"

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, family_member_id, recommendation_type, priority, title, description,
		        supplement_name, suggested_dosage, model_used, ack_state, created_at
		 FROM recommendations
		 WHERE family_member_id = $1
		   AND ($2::bool IS FALSE OR ack_state <> 'dismissed')
		 ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END,
		          created_at DESC`,
		member.ID,
		activeOnly,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load recommendations")
		return
	}
	defer rows.Close()

	items := make([]map[string]any, 0, 16)
	for rows.Next() {
		record := recommendationRecord{}
		if err := rows.Scan(
			&record.ID, &record.FamilyMemberID, &record.Type, &record.Priority,
			&record.Title, &record.Description, &record.SupplementName,
			&record.SuggestedDosage, &record.ModelUsed, &record.AckState, &record.CreatedAt,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse recommendations")
			return
		}
		items = append(items, recommendationJSON(record))
	}

	a.audit.Event(auditPHIAccess, user.ID, "recommendation", "", "list_recommendations", map[string]any{
		"family_member_id": member.ID,
		"count":            len(items),
	})
	c.JSON(http.StatusOK, gin.H{"recommendations": items})
}

// loadRecommendationForUser resolves a recommendation and verifies ownership
// through its family member.
func (a *App) loadRecommendationForUser(c *gin.Context, user AuthUser) (recommendationRecord, bool) {
	recommendationID := strings.TrimSpace(c.Param("recommendation_id"))
	if recommendationID == "" {
		writeError(c, http.StatusBadRequest, "recommendation_id is required")
		return recommendationRecord{}, false
	}

	record := recommendationRecord{}
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT id, family_member_id, recommendation_type, priority, title, description,
		        supplement_name, suggested_dosage, model_used, ack_state, created_at
		 FROM recommendations WHERE id = $1`,
		recommendationID,
	).Scan(
		&record.ID, &record.FamilyMemberID, &record.Type, &record.Priority,
		&record.Title, &record.Description, &record.SupplementName,
		&record.SuggestedDosage, &record.ModelUsed, &record.AckState, &record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Recommendation not found")
		return recommendationRecord{}, false
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load recommendation")
		return recommendationRecord{}, false
	}

	if _, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, record.FamilyMemberID); err != nil {
		writeError(c, statusCode, err.Error())
		return recommendationRecord{}, false
	}
	return record, true
}

// setAckState transitions a recommendation out of unacknowledged. Both
// acknowledged and dismissed are terminal; a second transition is rejected.
func (a *App) setAckState(c *gin.Context, user AuthUser, record recommendationRecord, target string) {
	if record.AckState != ackStateUnacknowledged {
		writeError(c, http.StatusConflict, "Recommendation is already "+record.AckState)
		return
	}

	tag, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE recommendations SET ack_state = $1, acknowledged_at = NOW()
		 WHERE id = $2 AND ack_state = 'unacknowledged'`,
		target,
		record.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update recommendation")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusConflict, "Recommendation state changed concurrently")
		return
	}

	a.audit.Event(auditPHIUpdate, user.ID, "recommendation", record.ID, "set_ack_state", map[string]any{
		"family_member_id": record.FamilyMemberID,
		"ack_state":        target,
	})

	record.AckState = target
	c.JSON(http.StatusOK, recommendationJSON(record))
}

func (a *App) acknowledgeRecommendation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload recommendationFeedbackRequest
	if !mustJSON(c, &payload) {
		return
	}
	record, ok := a.loadRecommendationForUser(c, user)
	if !ok {
		return
	}

	target := ackStateAcknowledged
	if !payload.IsAcknowledged {
		target = ackStateDismissed
	}
	a.setAckState(c, user, record, target)
}

func (a *App) dismissRecommendation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, ok := a.loadRecommendationForUser(c, user)
	if !ok {
		return
	}
	a.setAckState(c, user, record, ackStateDismissed)
}
