package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientData is returned when a family member has no lab results to
// reason over. It is user-correctable and surfaced verbatim.
var ErrInsufficientData = errors.New("no lab results available for this family member")

type generateOptions struct {
	IncludeSupplements bool
	IncludeDietary     bool
	IncludeLifestyle   bool
}

type memberContext struct {
	Member       familyMemberRecord
	Age          *int
	AbnormalLabs []labResultRecord
	Medications  []medicationRecord
	DietEntries  []dietEntryRecord
	LabCount     int
}

type recommendationRecord struct {
	ID              string
	FamilyMemberID  string
	Type            string
	Priority        string
	Title           string
	Description     string
	SupplementName  *string
	SuggestedDosage *string
	ModelUsed       string
	AckState        string
	CreatedAt       time.Time
}

const (
	ackStateUnacknowledged = "unacknowledged"
	ackStateAcknowledged   = "acknowledged"
	ackStateDismissed      = "dismissed"
)

const insightSystemPrompt = "You are a medical AI assistant helping to provide health recommendations. " +
	"IMPORTANT DISCLAIMER: These are suggestions only. Always consult with a healthcare provider " +
	"before making any changes to diet, supplements, or medications."

// gatherMemberContext pulls everything the prompt and the rule engine need:
// recent abnormal labs, active medications, and recent diet entries.
func (a *App) gatherMemberContext(ctx context.Context, member familyMemberRecord) (memberContext, error) {
	result := memberContext{Member: member}

	if member.DateOfBirth != nil {
		age := time.Now().UTC().Year() - member.DateOfBirth.Year()
		result.Age = &age
	}

	if err := a.db.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM lab_results WHERE family_member_id = $1`,
		member.ID,
	).Scan(&result.LabCount); err != nil {
		return memberContext{}, err
	}

	labRows, err := a.db.Query(
		ctx,
		`SELECT id, family_member_id, test_name, category, value, unit,
		        reference_range_low, reference_range_high, status, test_date, notes
		 FROM lab_results
		 WHERE family_member_id = $1
		   AND status = ANY($2)
		 ORDER BY test_date DESC, id DESC
		 LIMIT 10`,
		member.ID,
		abnormalStatuses,
	)
	if err != nil {
		return memberContext{}, err
	}
	defer labRows.Close()
	for labRows.Next() {
		lab := labResultRecord{}
		if err := labRows.Scan(
			&lab.ID, &lab.FamilyMemberID, &lab.TestName, &lab.Category, &lab.Value, &lab.Unit,
			&lab.ReferenceRangeLow, &lab.ReferenceRangeHigh, &lab.Status, &lab.TestDate, &lab.Notes,
		); err != nil {
			return memberContext{}, err
		}
		result.AbnormalLabs = append(result.AbnormalLabs, lab)
	}

	medRows, err := a.db.Query(
		ctx,
		`SELECT id, name, dosage, is_active FROM medications
		 WHERE family_member_id = $1 AND is_active = TRUE
		 ORDER BY name ASC`,
		member.ID,
	)
	if err != nil {
		return memberContext{}, err
	}
	defer medRows.Close()
	for medRows.Next() {
		med := medicationRecord{}
		if err := medRows.Scan(&med.ID, &med.Name, &med.Dosage, &med.IsActive); err != nil {
			return memberContext{}, err
		}
		result.Medications = append(result.Medications, med)
	}

	dietRows, err := a.db.Query(
		ctx,
		`SELECT id, food_name, entry_date FROM diet_entries
		 WHERE family_member_id = $1
		 ORDER BY entry_date DESC, id DESC
		 LIMIT 10`,
		member.ID,
	)
	if err != nil {
		return memberContext{}, err
	}
	defer dietRows.Close()
	for dietRows.Next() {
		entry := dietEntryRecord{}
		if err := dietRows.Scan(&entry.ID, &entry.FoodName, &entry.EntryDate); err != nil {
			return memberContext{}, err
		}
		result.DietEntries = append(result.DietEntries, entry)
	}

	return result, nil
}

func describeMemberContext(mc memberContext) string {
	age := "Unknown"
	if mc.Age != nil {
		age = fmt.Sprintf("%d", *mc.Age)
	}
	gender := "Unknown"
	if mc.Member.Gender != nil && strings.TrimSpace(*mc.Member.Gender) != "" {
		gender = *mc.Member.Gender
	}

	medications := "None"
	if len(mc.Medications) > 0 {
		parts := make([]string, 0, len(mc.Medications))
		for _, med := range mc.Medications {
			if med.Dosage != nil && strings.TrimSpace(*med.Dosage) != "" {
				parts = append(parts, fmt.Sprintf("%s (%s)", med.Name, *med.Dosage))
			} else {
				parts = append(parts, med.Name)
			}
		}
		medications = strings.Join(parts, ", ")
	}

	labs := "None available"
	if len(mc.AbnormalLabs) > 0 {
		lines := make([]string, 0, len(mc.AbnormalLabs))
		for _, lab := range mc.AbnormalLabs {
			value := "pending"
			if lab.Value != nil {
				value = fmt.Sprintf("%g", *lab.Value)
			}
			unit := ""
			if lab.Unit != nil {
				unit = " " + *lab.Unit
			}
			lines = append(lines, fmt.Sprintf(
				"%s: %s%s (ref: %s-%s, status: %s)",
				lab.TestName, value, unit,
				formatBound(lab.ReferenceRangeLow), formatBound(lab.ReferenceRangeHigh),
				lab.Status,
			))
		}
		labs = strings.Join(lines, "\n")
	}

	conditions := "None listed"
	if mc.Member.MedicalConditions != nil && strings.TrimSpace(*mc.Member.MedicalConditions) != "" {
		conditions = *mc.Member.MedicalConditions
	}

	diet := "Not tracked"
	if len(mc.DietEntries) > 0 {
		foods := make([]string, 0, len(mc.DietEntries))
		for _, entry := range mc.DietEntries {
			foods = append(foods, entry.FoodName)
		}
		diet = strings.Join(foods, ", ")
	}

	return strings.Join([]string{
		"Patient Context:",
		"- Age: " + age,
		"- Gender: " + gender,
		"- Current Medications: " + medications,
		"- Recent Lab Results: " + labs,
		"- Known Conditions: " + conditions,
		"- Recent Diet: " + diet,
	}, "\n")
}

func formatBound(bound *float64) string {
	if bound == nil {
		return "?"
	}
	return fmt.Sprintf("%g", *bound)
}

func buildInsightPrompt(mc memberContext, opts generateOptions) string {
	requestParts := []string{"Analyze the patient's health data and provide recommendations."}
	if opts.IncludeSupplements {
		requestParts = append(requestParts, "Include supplement recommendations for any deficiencies found in lab results.")
	}
	if opts.IncludeDietary {
		requestParts = append(requestParts, "Include dietary recommendations to address health concerns.")
	}
	if opts.IncludeLifestyle {
		requestParts = append(requestParts, "Include lifestyle recommendations where relevant.")
	}

	return strings.Join([]string{
		describeMemberContext(mc),
		"",
		"Request: " + strings.Join(requestParts, " "),
		"",
		"Format your response as JSON with the following structure:",
		`{"recommendations": [{"type": "supplement|dietary|lifestyle", "priority": "high|medium|low", ` +
			`"title": "Brief title", "description": "Detailed description", ` +
			`"supplement_name": "If applicable", "dosage": "If applicable"}]}`,
	}, "\n")
}

var jsonObjectPattern = regexp.MustCompile(`\{[\s\S]*\}`)

type modelRecommendationPayload struct {
	Recommendations []struct {
		Type           string `json:"type"`
		Priority       string `json:"priority"`
		Title          string `json:"title"`
		Description    string `json:"description"`
		SupplementName string `json:"supplement_name"`
		Dosage         string `json:"dosage"`
	} `json:"recommendations"`
}

// parseInsightAnswer extracts the first JSON object from a model answer and
// maps it onto recommendation candidates. Anything unparseable is a
// ProviderResponseInvalid condition; partial output is never trusted.
func parseInsightAnswer(answer string) ([]recommendationCandidate, error) {
	match := jsonObjectPattern.FindString(answer)
	if match == "" {
		return nil, fmt.Errorf("%w: no JSON object in model answer", ErrProviderResponseInvalid)
	}

	var payload modelRecommendationPayload
	if err := json.Unmarshal([]byte(match), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderResponseInvalid, err)
	}
	if len(payload.Recommendations) == 0 {
		return nil, fmt.Errorf("%w: model answer contained no recommendations", ErrProviderResponseInvalid)
	}

	candidates := make([]recommendationCandidate, 0, len(payload.Recommendations))
	for _, item := range payload.Recommendations {
		candidate := recommendationCandidate{
			Type:        normalizeRecommendationType(item.Type),
			Priority:    normalizePriority(item.Priority),
			Title:       strings.TrimSpace(item.Title),
			Description: strings.TrimSpace(item.Description),
		}
		if candidate.Title == "" {
			candidate.Title = "Health Recommendation"
		}
		if name := strings.TrimSpace(item.SupplementName); name != "" {
			candidate.SupplementName = &name
		}
		if dosage := strings.TrimSpace(item.Dosage); dosage != "" {
			candidate.SuggestedDosage = &dosage
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func normalizeRecommendationType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case recTypeDietary:
		return recTypeDietary
	case recTypeLifestyle:
		return recTypeLifestyle
	default:
		return recTypeSupplement
	}
}

func normalizePriority(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case priorityHigh:
		return priorityHigh
	case priorityLow:
		return priorityLow
	default:
		return priorityMedium
	}
}

// generateInsightCandidates is the arbitration point: try the model provider,
// and on unavailability or an invalid response fall back to the rule engine
// wholesale. Output comes from exactly one source, and provider failures are
// never raised to the caller.
func generateInsightCandidates(ctx context.Context, client ModelClient, mc memberContext, opts generateOptions) ([]recommendationCandidate, string) {
	response, err := client.GenerateInsight(ctx, InsightRequest{
		SystemPrompt: insightSystemPrompt,
		UserPrompt:   buildInsightPrompt(mc, opts),
	})
	if err == nil {
		candidates, parseErr := parseInsightAnswer(response.Answer)
		if parseErr == nil {
			return candidates, response.Model
		}
		err = parseErr
	}

	if !errors.Is(err, ErrProviderUnavailable) && !errors.Is(err, ErrProviderResponseInvalid) {
		// Unknown failure modes get the same deterministic treatment.
		err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	log.Printf("insight provider failed for member %s: %v; falling back to rule engine", mc.Member.ID, err)
	return generateRuleRecommendations(mc.AbnormalLabs, mc.Medications, mc.DietEntries), ruleBasedModel
}

func filterCandidates(candidates []recommendationCandidate, opts generateOptions) []recommendationCandidate {
	filtered := make([]recommendationCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		switch candidate.Type {
		case recTypeSupplement:
			if !opts.IncludeSupplements {
				continue
			}
		case recTypeDietary:
			if !opts.IncludeDietary {
				continue
			}
		case recTypeLifestyle:
			if !opts.IncludeLifestyle {
				continue
			}
		}
		filtered = append(filtered, candidate)
	}
	return filtered
}

// insertRecommendations persists candidates append-only, in order, and
// returns the inserted rows. Overlapping generate calls may produce duplicate
// rows; recommendations are advisory and dismissible, so no lock is taken.
func (a *App) insertRecommendations(ctx context.Context, memberID, modelUsed string, candidates []recommendationCandidate) ([]recommendationRecord, error) {
	inserted := make([]recommendationRecord, 0, len(candidates))
	for _, candidate := range candidates {
		record := recommendationRecord{
			ID:              uuid.NewString(),
			FamilyMemberID:  memberID,
			Type:            candidate.Type,
			Priority:        candidate.Priority,
			Title:           candidate.Title,
			Description:     candidate.Description,
			SupplementName:  candidate.SupplementName,
			SuggestedDosage: candidate.SuggestedDosage,
			ModelUsed:       modelUsed,
			AckState:        ackStateUnacknowledged,
		}
		err := a.db.QueryRow(
			ctx,
			`INSERT INTO recommendations (
				id, family_member_id, recommendation_type, priority, title, description,
				supplement_name, suggested_dosage, model_used, ack_state, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			RETURNING created_at`,
			record.ID,
			record.FamilyMemberID,
			record.Type,
			record.Priority,
			record.Title,
			record.Description,
			record.SupplementName,
			record.SuggestedDosage,
			record.ModelUsed,
			record.AckState,
		).Scan(&record.CreatedAt)
		if err != nil {
			return nil, err
		}
		inserted = append(inserted, record)
	}
	return inserted, nil
}

func recommendationJSON(record recommendationRecord) map[string]any {
	return map[string]any{
		"id":               record.ID,
		"family_member_id": record.FamilyMemberID,
		"type":             record.Type,
		"priority":         record.Priority,
		"title":            record.Title,
		"description":      record.Description,
		"supplement_name":  record.SupplementName,
		"suggested_dosage": record.SuggestedDosage,
		"model_used":       record.ModelUsed,
		"ack_state":        record.AckState,
		"created_at":       record.CreatedAt.UTC(),
	}
}
