package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Patient portal integration is mocked: the provider list is static and sync
// requests are acknowledged without contacting any external system.
var portalProviders = []map[string]any{
	{"id": "mychart", "name": "MyChart (Epic)", "supported": true},
	{"id": "healtheast", "name": "HealthEast Connect", "supported": true},
	{"id": "labcorp", "name": "Labcorp Patient", "supported": false},
	{"id": "quest", "name": "Quest MyQuest", "supported": false},
}

type portalSyncRequest struct {
	FamilyMemberID string `json:"family_member_id"`
	ProviderID     string `json:"provider_id"`
}

func (a *App) listPortalProviders(c *gin.Context) {
	if _, ok := authUserFromContext(c); !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": portalProviders})
}

func (a *App) schedulePortalSync(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload portalSyncRequest
	if !mustJSON(c, &payload) {
		return
	}
	memberID := strings.TrimSpace(payload.FamilyMemberID)
	if memberID == "" {
		writeError(c, http.StatusBadRequest, "family_member_id is required")
		return
	}
	providerID := strings.ToLower(strings.TrimSpace(payload.ProviderID))

	var supported bool
	for _, provider := range portalProviders {
		if provider["id"] == providerID {
			supported, _ = provider["supported"].(bool)
			break
		}
	}
	if !supported {
		writeError(c, http.StatusBadRequest, "Unsupported portal provider")
		return
	}

	member, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, memberID)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	a.audit.Event(auditPHIAccess, user.ID, "portal_sync", "", "schedule_portal_sync", map[string]any{
		"family_member_id": member.ID,
		"provider_id":      providerID,
	})
	c.JSON(http.StatusOK, gin.H{
		"sync_id":      uuid.NewString(),
		"status":       "scheduled",
		"provider_id":  providerID,
		"scheduled_at": time.Now().UTC(),
		"message":      "Portal sync scheduled. Results will appear once the import completes.",
	})
}
