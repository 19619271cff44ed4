package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseInsightAnswerValidJSON(t *testing.T) {
	answer := `Here are my suggestions:
{"recommendations": [
  {"type": "supplement", "priority": "high", "title": "Vitamin D3",
   "description": "Levels are low.", "supplement_name": "Vitamin D3", "dosage": "2000 IU daily"},
  {"type": "dietary", "priority": "low", "title": "More greens", "description": "Add leafy greens."}
]}
Let me know if you need more detail.`

	candidates, err := parseInsightAnswer(answer)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	first := candidates[0]
	if first.Type != recTypeSupplement || first.Priority != priorityHigh {
		t.Fatalf("unexpected first candidate: %+v", first)
	}
	if first.SupplementName == nil || *first.SupplementName != "Vitamin D3" {
		t.Fatalf("expected supplement name, got %+v", first.SupplementName)
	}
	if first.SuggestedDosage == nil || *first.SuggestedDosage != "2000 IU daily" {
		t.Fatalf("expected dosage, got %+v", first.SuggestedDosage)
	}
	if candidates[1].Type != recTypeDietary || candidates[1].Priority != priorityLow {
		t.Fatalf("unexpected second candidate: %+v", candidates[1])
	}
}

func TestParseInsightAnswerNormalizesUnknownFields(t *testing.T) {
	answer := `{"recommendations": [
		{"type": "Medication", "priority": "URGENT", "title": "", "description": "text"}
	]}`

	candidates, err := parseInsightAnswer(answer)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	got := candidates[0]
	if got.Type != recTypeSupplement {
		t.Fatalf("expected unknown type to default to supplement, got %q", got.Type)
	}
	if got.Priority != priorityMedium {
		t.Fatalf("expected unknown priority to default to medium, got %q", got.Priority)
	}
	if got.Title != "Health Recommendation" {
		t.Fatalf("expected default title, got %q", got.Title)
	}
}

func TestParseInsightAnswerRejectsBadOutput(t *testing.T) {
	cases := map[string]string{
		"no JSON at all":    "I cannot answer in the requested format.",
		"malformed JSON":    `{"recommendations": [}`,
		"empty list":        `{"recommendations": []}`,
		"wrong object keys": `{"advice": "take vitamins"}`,
	}
	for name, answer := range cases {
		if _, err := parseInsightAnswer(answer); !errors.Is(err, ErrProviderResponseInvalid) {
			t.Fatalf("%s: expected ErrProviderResponseInvalid, got %v", name, err)
		}
	}
}

func testMemberContext() memberContext {
	age := 34
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	dosage := "500 mg"
	gender := "female"
	return memberContext{
		Member: familyMemberRecord{
			ID:     "member-1",
			Name:   "Jane",
			Gender: &gender,
		},
		Age: &age,
		AbnormalLabs: []labResultRecord{
			{
				ID:                 "lab-1",
				FamilyMemberID:     "member-1",
				TestName:           "Vitamin B12",
				Category:           "blood",
				Value:              fptr(150),
				ReferenceRangeLow:  fptr(200),
				ReferenceRangeHigh: fptr(900),
				Status:             statusLow,
				TestDate:           day,
			},
		},
		Medications: []medicationRecord{
			{ID: "med-1", Name: "Metformin", Dosage: &dosage, IsActive: true},
		},
		DietEntries: []dietEntryRecord{
			{ID: "diet-1", FoodName: "Oatmeal", EntryDate: day},
		},
		LabCount: 3,
	}
}

func TestDescribeMemberContext(t *testing.T) {
	text := describeMemberContext(testMemberContext())

	for _, expected := range []string{
		"Age: 34",
		"Gender: female",
		"Metformin (500 mg)",
		"Vitamin B12: 150 (ref: 200-900, status: low)",
		"Oatmeal",
	} {
		if !strings.Contains(text, expected) {
			t.Fatalf("expected context to contain %q, got:\n%s", expected, text)
		}
	}
}

func TestBuildInsightPromptHonorsOptions(t *testing.T) {
	mc := testMemberContext()

	full := buildInsightPrompt(mc, generateOptions{
		IncludeSupplements: true,
		IncludeDietary:     true,
		IncludeLifestyle:   true,
	})
	if !strings.Contains(full, "supplement recommendations") ||
		!strings.Contains(full, "dietary recommendations") ||
		!strings.Contains(full, "lifestyle recommendations") {
		t.Fatalf("expected all request categories in prompt:\n%s", full)
	}
	if !strings.Contains(full, `"recommendations"`) {
		t.Fatalf("expected JSON format instruction in prompt")
	}

	narrow := buildInsightPrompt(mc, generateOptions{IncludeSupplements: true})
	if strings.Contains(narrow, "dietary recommendations") || strings.Contains(narrow, "lifestyle recommendations") {
		t.Fatalf("expected only supplement request in prompt:\n%s", narrow)
	}
}

func TestGenerateInsightCandidatesUsesModelAnswer(t *testing.T) {
	client := MockModelClient{
		Model: "test-model",
		InsightAnswer: `{"recommendations": [
			{"type": "lifestyle", "priority": "medium", "title": "Walk daily", "description": "30 minutes."}
		]}`,
	}

	candidates, source := generateInsightCandidates(context.Background(), client, testMemberContext(), generateOptions{
		IncludeSupplements: true,
		IncludeDietary:     true,
		IncludeLifestyle:   true,
	})
	if source != "test-model" {
		t.Fatalf("expected model source, got %q", source)
	}
	if len(candidates) != 1 || candidates[0].Title != "Walk daily" {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
}

func TestGenerateInsightCandidatesFallsBackOnProviderFailure(t *testing.T) {
	client := MockModelClient{Err: ErrProviderUnavailable}

	candidates, source := generateInsightCandidates(context.Background(), client, testMemberContext(), generateOptions{
		IncludeSupplements: true,
		IncludeDietary:     true,
		IncludeLifestyle:   true,
	})
	if source != ruleBasedModel {
		t.Fatalf("expected rule-based source, got %q", source)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected the low B12 rule to fire, got %d candidates", len(candidates))
	}
	if candidates[0].SupplementName == nil || *candidates[0].SupplementName != "Vitamin B12 (Methylcobalamin)" {
		t.Fatalf("unexpected fallback candidate: %+v", candidates[0])
	}
}

func TestGenerateInsightCandidatesFallsBackOnUnparseableAnswer(t *testing.T) {
	client := MockModelClient{
		Model:         "test-model",
		InsightAnswer: "I am unable to produce JSON today.",
	}

	candidates, source := generateInsightCandidates(context.Background(), client, testMemberContext(), generateOptions{
		IncludeSupplements: true,
	})
	if source != ruleBasedModel {
		t.Fatalf("expected rule-based fallback for invalid answer, got %q", source)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected rule candidates, got %d", len(candidates))
	}
}

func TestGenerateInsightCandidatesFallsBackOnUnknownError(t *testing.T) {
	client := MockModelClient{Err: errors.New("some wire explosion")}

	_, source := generateInsightCandidates(context.Background(), client, testMemberContext(), generateOptions{})
	if source != ruleBasedModel {
		t.Fatalf("expected rule-based fallback for unknown errors, got %q", source)
	}
}

func TestFilterCandidates(t *testing.T) {
	candidates := []recommendationCandidate{
		{Type: recTypeSupplement, Title: "A"},
		{Type: recTypeDietary, Title: "B"},
		{Type: recTypeLifestyle, Title: "C"},
	}

	onlyDietary := filterCandidates(candidates, generateOptions{IncludeDietary: true})
	if len(onlyDietary) != 1 || onlyDietary[0].Title != "B" {
		t.Fatalf("expected only the dietary candidate, got %+v", onlyDietary)
	}

	all := filterCandidates(candidates, generateOptions{
		IncludeSupplements: true,
		IncludeDietary:     true,
		IncludeLifestyle:   true,
	})
	if len(all) != 3 {
		t.Fatalf("expected all candidates to pass, got %d", len(all))
	}
}

func TestNormalizeRecommendationType(t *testing.T) {
	if got := normalizeRecommendationType(" Dietary "); got != recTypeDietary {
		t.Fatalf("expected dietary, got %q", got)
	}
	if got := normalizeRecommendationType("lifestyle"); got != recTypeLifestyle {
		t.Fatalf("expected lifestyle, got %q", got)
	}
	if got := normalizeRecommendationType("exercise"); got != recTypeSupplement {
		t.Fatalf("expected supplement fallback, got %q", got)
	}
}

func TestNormalizePriority(t *testing.T) {
	if got := normalizePriority("HIGH"); got != priorityHigh {
		t.Fatalf("expected high, got %q", got)
	}
	if got := normalizePriority("low"); got != priorityLow {
		t.Fatalf("expected low, got %q", got)
	}
	if got := normalizePriority("critical"); got != priorityMedium {
		t.Fatalf("expected medium fallback, got %q", got)
	}
}
