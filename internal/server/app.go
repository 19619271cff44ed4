package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"famhealth/backend/internal/config"
)

type dbQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// App.db is the dbQuerier interface rather than the concrete pool so tests
// can stand in a fake store; production wiring always passes a pgxpool.Pool.
type App struct {
	cfg   config.Config
	db    dbQuerier
	ai    ModelClient
	audit *AuditLogger
}

type AuthUser struct {
	ID    string
	Email *string
	Name  string
}

func New(cfg config.Config, pool *pgxpool.Pool) *App {
	return &App{
		cfg:   cfg,
		db:    pool,
		ai:    newModelClient(cfg),
		audit: NewAuditLogger(cfg),
	}
}

// NewWithClient injects a model client directly so providers can be swapped
// without touching process configuration.
func NewWithClient(cfg config.Config, pool *pgxpool.Pool, client ModelClient) *App {
	app := New(cfg, pool)
	app.ai = client
	return app
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.authMiddleware())

	api.POST("/family-members", a.createFamilyMember)
	api.GET("/family-members", a.listFamilyMembers)
	api.GET("/family-members/:member_id", a.getFamilyMember)
	api.PUT("/family-members/:member_id", a.updateFamilyMember)
	api.DELETE("/family-members/:member_id", a.deleteFamilyMember)

	api.POST("/family-members/:member_id/lab-results", a.createLabResult)
	api.GET("/family-members/:member_id/lab-results", a.listLabResults)
	api.GET("/family-members/:member_id/lab-results/abnormal", a.listAbnormalLabResults)
	api.GET("/lab-results/:lab_result_id", a.getLabResult)
	api.PUT("/lab-results/:lab_result_id", a.updateLabResult)
	api.DELETE("/lab-results/:lab_result_id", a.deleteLabResult)

	api.POST("/family-members/:member_id/medications", a.createMedication)
	api.GET("/family-members/:member_id/medications", a.listMedications)
	api.PUT("/medications/:medication_id", a.updateMedication)
	api.DELETE("/medications/:medication_id", a.deleteMedication)

	api.POST("/family-members/:member_id/diet-entries", a.createDietEntry)
	api.GET("/family-members/:member_id/diet-entries", a.listDietEntries)
	api.DELETE("/diet-entries/:entry_id", a.deleteDietEntry)
	api.POST("/family-members/:member_id/health-logs", a.createHealthLog)
	api.GET("/family-members/:member_id/health-logs", a.listHealthLogs)
	api.DELETE("/health-logs/:log_id", a.deleteHealthLog)

	api.POST("/family-members/:member_id/appointments", a.createAppointment)
	api.GET("/family-members/:member_id/appointments", a.listAppointments)
	api.GET("/appointments/upcoming", a.listUpcomingAppointments)
	api.PUT("/appointments/:appointment_id", a.updateAppointment)
	api.DELETE("/appointments/:appointment_id", a.deleteAppointment)

	api.POST("/ai/recommendations/generate", a.generateRecommendations)
	api.GET("/family-members/:member_id/recommendations", a.listRecommendations)
	api.POST("/recommendations/:recommendation_id/acknowledge", a.acknowledgeRecommendation)
	api.POST("/recommendations/:recommendation_id/dismiss", a.dismissRecommendation)
	api.POST("/ai/chat", a.chatWithAI)
	api.POST("/ai/chat/upload", a.chatWithImageUpload)

	api.GET("/portal/providers", a.listPortalProviders)
	api.POST("/portal/sync", a.schedulePortalSync)

	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "famhealth-api",
	})
}

func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}
		tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
		if tokenString == "" {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if token.Method == nil || token.Method.Alg() != a.cfg.JWTAlgorithm {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(a.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(c, http.StatusUnauthorized, "Invalid bearer token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(c, http.StatusUnauthorized, "Invalid token payload")
			return
		}
		if a.cfg.JWTAudience != "" && !claimHasAudience(claims["aud"], a.cfg.JWTAudience) {
			writeError(c, http.StatusUnauthorized, "Invalid token audience")
			return
		}
		if a.cfg.JWTIssuer != "" {
			issuer, _ := claims["iss"].(string)
			if issuer != a.cfg.JWTIssuer {
				writeError(c, http.StatusUnauthorized, "Invalid token issuer")
				return
			}
		}
		sub, _ := claims["sub"].(string)
		sub = strings.TrimSpace(sub)
		if sub == "" {
			writeError(c, http.StatusUnauthorized, "Token subject missing")
			return
		}

		user, err := a.getOrCreateUser(c.Request.Context(), sub, claims)
		if err != nil {
			writeError(c, http.StatusUnauthorized, err.Error())
			return
		}

		c.Set("authUser", user)
		c.Next()
	}
}

func claimHasAudience(value any, audience string) bool {
	switch v := value.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == audience {
				return true
			}
		}
	}
	return false
}

func toOptionalString(raw any) *string {
	if s, ok := raw.(string); ok {
		trimmed := strings.TrimSpace(s)
		if trimmed != "" {
			return &trimmed
		}
	}
	return nil
}

func (a *App) getOrCreateUser(ctx context.Context, userID string, claims jwt.MapClaims) (AuthUser, error) {
	user := AuthUser{}
	var email *string

	err := a.db.QueryRow(
		ctx,
		`SELECT id, email, name FROM users WHERE id = $1`,
		userID,
	).Scan(&user.ID, &email, &user.Name)
	if err == nil {
		user.Email = email
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AuthUser{}, err
	}
	if !a.cfg.AuthAutoCreateUser {
		return AuthUser{}, errors.New("User not found")
	}

	email = toOptionalString(claims["email"])
	name := ""
	if rawName, ok := claims["name"].(string); ok {
		name = strings.TrimSpace(rawName)
	}
	if name == "" {
		name = fmt.Sprintf("user-%s", truncate(userID, 8))
	}

	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES ($1, $2, $3, NOW())`,
		userID,
		email,
		name,
	); err != nil {
		return AuthUser{}, err
	}

	return AuthUser{ID: userID, Email: email, Name: name}, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

func authUserFromContext(c *gin.Context) (AuthUser, bool) {
	raw, ok := c.Get("authUser")
	if !ok {
		return AuthUser{}, false
	}
	user, ok := raw.(AuthUser)
	return user, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

type familyMemberRecord struct {
	ID                string
	UserID            string
	Name              string
	Relationship      string
	DateOfBirth       *time.Time
	Gender            *string
	BloodType         *string
	MedicalConditions *string
	Allergies         *string
	Notes             *string
	CreatedAt         time.Time
}

// getFamilyMemberWithAccess loads a family member and enforces that it
// belongs to the requesting user. Every PHI-bearing handler goes through it.
func (a *App) getFamilyMemberWithAccess(ctx context.Context, userID, memberID string) (familyMemberRecord, int, error) {
	record := familyMemberRecord{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, user_id, name, relationship, date_of_birth, gender, blood_type,
		        medical_conditions, allergies, notes, created_at
		 FROM family_members WHERE id = $1`,
		memberID,
	).Scan(
		&record.ID,
		&record.UserID,
		&record.Name,
		&record.Relationship,
		&record.DateOfBirth,
		&record.Gender,
		&record.BloodType,
		&record.MedicalConditions,
		&record.Allergies,
		&record.Notes,
		&record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return familyMemberRecord{}, http.StatusNotFound, errors.New("Family member not found")
	}
	if err != nil {
		return familyMemberRecord{}, http.StatusInternalServerError, err
	}
	if record.UserID != userID {
		return familyMemberRecord{}, http.StatusForbidden, errors.New("Family member access denied")
	}
	return record, http.StatusOK, nil
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func parseOptionalDate(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parsed, err := parseDate(value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseTimestamp(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(value))
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

func mustMarshalJSON(value any) []byte {
	out, err := json.Marshal(value)
	if err != nil {
		return []byte("{}")
	}
	return out
}

func parseJSONStringMap(input []byte) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var result map[string]any
	if err := json.Unmarshal(input, &result); err != nil || result == nil {
		return map[string]any{}
	}
	return result
}
