package server

import (
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const chatHistoryTurnLimit = 5

const chatSystemPrompt = "You are a medical AI assistant. Provide helpful, accurate health information. " +
	"IMPORTANT: Always recommend consulting a healthcare provider for medical decisions."

type chatRequest struct {
	FamilyMemberID      string     `json:"family_member_id"`
	Message             string     `json:"message"`
	ImageData           string     `json:"image_data"`
	ConversationHistory []ChatTurn `json:"conversation_history"`
}

type chatResponse struct {
	Response         string `json:"response"`
	ModelUsed        string `json:"model_used"`
	HasImageAnalysis bool   `json:"has_image_analysis"`
}

// chatWithAI is stateless across calls: the caller supplies the history it
// wants preserved, and the server retains nothing between turns.
func (a *App) chatWithAI(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload chatRequest
	if !mustJSON(c, &payload) {
		return
	}
	a.runChat(c, user, payload)
}

// chatWithImageUpload accepts a multipart file (X-ray, lab report scan, ...),
// base64-encodes it, and runs the same chat flow with an empty history.
func (a *App) chatWithImageUpload(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	payload := chatRequest{
		FamilyMemberID: strings.TrimSpace(c.PostForm("family_member_id")),
		Message:        strings.TrimSpace(c.PostForm("message")),
	}

	file, _, err := c.Request.FormFile("image")
	if err == nil {
		defer file.Close()
		contents, readErr := io.ReadAll(file)
		if readErr != nil {
			writeError(c, http.StatusBadRequest, "Failed to read uploaded image")
			return
		}
		payload.ImageData = base64.StdEncoding.EncodeToString(contents)
	}

	a.runChat(c, user, payload)
}

func (a *App) runChat(c *gin.Context, user AuthUser, payload chatRequest) {
	memberID := strings.TrimSpace(payload.FamilyMemberID)
	if memberID == "" {
		writeError(c, http.StatusBadRequest, "family_member_id is required")
		return
	}
	message := strings.TrimSpace(payload.Message)
	if message == "" {
		writeError(c, http.StatusBadRequest, "message is required")
		return
	}

	member, statusCode, err := a.getFamilyMemberWithAccess(c.Request.Context(), user.ID, memberID)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	mc, err := a.gatherMemberContext(c.Request.Context(), member)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to gather member context")
		return
	}

	history := payload.ConversationHistory
	if len(history) > chatHistoryTurnLimit {
		history = history[len(history)-chatHistoryTurnLimit:]
	}

	result, err := a.ai.Chat(c.Request.Context(), ChatModelRequest{
		SystemPrompt: chatSystemPrompt + "\n\n" + describeMemberContext(mc),
		Conversation: history,
		UserPrompt:   message,
		ImageData:    strings.TrimSpace(payload.ImageData),
	})
	if err != nil {
		// Never fabricate a medical answer: surface the failure and let the
		// client render its own safe fallback message.
		log.Printf("chat provider failed for member %s: %v", member.ID, err)
		switch {
		case errors.Is(err, ErrUnsupportedCapability):
			writeError(c, http.StatusBadRequest, "The configured model cannot analyze image attachments")
		case errors.Is(err, ErrProviderResponseInvalid):
			writeError(c, http.StatusBadGateway, "The model returned an unusable response")
		default:
			writeError(c, http.StatusServiceUnavailable, "The model provider is currently unavailable")
		}
		return
	}

	if auditErr := recordAIAudit(c.Request.Context(), a.db, user.ID, member.ID, "chat_interaction", result.Model, map[string]any{
		"has_image": payload.ImageData != "",
	}); auditErr != nil {
		log.Printf("chat audit write failed for member %s: %v", member.ID, auditErr)
	}
	a.audit.Event(auditPHIAccess, user.ID, "ai_chat", "", "chat_interaction", map[string]any{
		"family_member_id": member.ID,
		"model":            result.Model,
		"has_image":        payload.ImageData != "",
	})

	c.JSON(http.StatusOK, chatResponse{
		Response:         result.Answer,
		ModelUsed:        result.Model,
		HasImageAnalysis: result.ImageAnalyzed,
	})
}
