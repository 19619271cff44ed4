package server

import (
	"sort"
	"strings"
	"time"
)

// Recommendation kinds and priorities shared by the rule engine and the
// model-backed insight path.
const (
	recTypeSupplement = "supplement"
	recTypeDietary    = "dietary"
	recTypeLifestyle  = "lifestyle"

	priorityHigh   = "high"
	priorityMedium = "medium"
	priorityLow    = "low"

	ruleBasedModel = "rule-based"
)

type labResultRecord struct {
	ID                 string
	FamilyMemberID     string
	TestName           string
	Category           string
	Value              *float64
	Unit               *string
	ReferenceRangeLow  *float64
	ReferenceRangeHigh *float64
	Status             string
	TestDate           time.Time
	Notes              *string
}

type medicationRecord struct {
	ID       string
	Name     string
	Dosage   *string
	IsActive bool
}

type dietEntryRecord struct {
	ID        string
	FoodName  string
	EntryDate time.Time
}

type recommendationCandidate struct {
	Type            string
	Priority        string
	Title           string
	Description     string
	SupplementName  *string
	SuggestedDosage *string
	// TestName tracks which lab triggered a rule-based candidate; empty for
	// model-generated candidates.
	TestName string
}

type deficiencyRule struct {
	// keyword is matched case-insensitively against the lab test name.
	keyword string
	// lowSide rules fire on low/critical_low statuses, otherwise on
	// high/critical_high.
	lowSide         bool
	recType         string
	title           string
	description     string
	supplementName  string
	suggestedDosage string
}

// The static deficiency table. Base priority is medium; a critical status
// escalates the candidate to high.
var deficiencyRules = []deficiencyRule{
	{
		keyword:         "vitamin b12",
		lowSide:         true,
		recType:         recTypeSupplement,
		title:           "Vitamin B12 Supplementation Recommended",
		description:     "B12 levels are below the normal range. Consider methylcobalamin supplementation and B12-rich foods such as beef liver, clams, fish, fortified cereals, eggs, and dairy.",
		supplementName:  "Vitamin B12 (Methylcobalamin)",
		suggestedDosage: "1000-2000 mcg daily",
	},
	{
		keyword:         "vitamin d",
		lowSide:         true,
		recType:         recTypeSupplement,
		title:           "Vitamin D Supplementation Recommended",
		description:     "Vitamin D levels are low. Consider D3 supplementation and regular sun exposure; fatty fish, fortified milk, egg yolks, and mushrooms also help.",
		supplementName:  "Vitamin D3",
		suggestedDosage: "1000-4000 IU daily",
	},
	{
		keyword:         "iron",
		lowSide:         true,
		recType:         recTypeSupplement,
		title:           "Iron Supplementation May Be Needed",
		description:     "Iron levels are below normal. Favor iron-rich foods (red meat, spinach, lentils, beans) and avoid coffee or tea with meals; supplementation may be needed.",
		supplementName:  "Iron (Ferrous Sulfate)",
		suggestedDosage: "18-27 mg daily with Vitamin C",
	},
	{
		keyword:     "hemoglobin",
		lowSide:     true,
		recType:     recTypeDietary,
		title:       "Dietary Changes for Hemoglobin",
		description: "Low hemoglobin may indicate anemia. Focus on iron and B12 rich foods such as red meat, dark leafy greens, beans, and fortified cereals.",
	},
	{
		keyword:         "cholesterol",
		lowSide:         false,
		recType:         recTypeDietary,
		title:           "Heart-Healthy Diet Recommended",
		description:     "Cholesterol levels are elevated. Consider omega-3 intake and a heart-healthy diet built on fatty fish, nuts, olive oil, and oats while limiting fried foods and processed meats.",
		supplementName:  "Omega-3 Fish Oil",
		suggestedDosage: "1000-2000 mg daily",
	},
	{
		keyword:     "glucose",
		lowSide:     false,
		recType:     recTypeDietary,
		title:       "Blood Sugar Management",
		description: "Glucose levels need attention. Favor whole grains, vegetables, lean proteins, and legumes; avoid sugary drinks and processed foods.",
	},
}

// generateRuleRecommendations maps abnormal lab results onto the static
// deficiency table. Medications and diet entries are accepted for future
// rules but no current rule reads them. Pure: no persistence side effects.
func generateRuleRecommendations(labs []labResultRecord, medications []medicationRecord, dietEntries []dietEntryRecord) []recommendationCandidate {
	_ = medications
	_ = dietEntries

	candidates := make([]recommendationCandidate, 0, len(labs))
	for _, lab := range latestPerTest(labs) {
		if !isAbnormalStatus(lab.Status) {
			continue
		}
		testName := strings.ToLower(lab.TestName)
		for _, rule := range deficiencyRules {
			if !strings.Contains(testName, rule.keyword) {
				continue
			}
			lowStatus := lab.Status == statusLow || lab.Status == statusCriticalLow
			if rule.lowSide != lowStatus {
				continue
			}

			priority := priorityMedium
			if isCriticalStatus(lab.Status) {
				priority = priorityHigh
			}
			candidate := recommendationCandidate{
				Type:        rule.recType,
				Priority:    priority,
				Title:       rule.title,
				Description: rule.description,
				TestName:    lab.TestName,
			}
			if rule.supplementName != "" {
				name := rule.supplementName
				candidate.SupplementName = &name
			}
			if rule.suggestedDosage != "" {
				dosage := rule.suggestedDosage
				candidate.SuggestedDosage = &dosage
			}
			candidates = append(candidates, candidate)
			break
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		left, right := priorityRank(candidates[i].Priority), priorityRank(candidates[j].Priority)
		if left != right {
			return left < right
		}
		return candidates[i].TestName < candidates[j].TestName
	})
	return candidates
}

// latestPerTest keeps the most recent result per distinct test name, breaking
// date ties by the greater record id.
func latestPerTest(labs []labResultRecord) []labResultRecord {
	latest := make(map[string]labResultRecord, len(labs))
	order := make([]string, 0, len(labs))
	for _, lab := range labs {
		key := strings.ToLower(strings.TrimSpace(lab.TestName))
		current, seen := latest[key]
		if !seen {
			latest[key] = lab
			order = append(order, key)
			continue
		}
		if lab.TestDate.After(current.TestDate) ||
			(lab.TestDate.Equal(current.TestDate) && lab.ID > current.ID) {
			latest[key] = lab
		}
	}

	result := make([]labResultRecord, 0, len(order))
	for _, key := range order {
		result = append(result, latest[key])
	}
	return result
}

func priorityRank(priority string) int {
	switch priority {
	case priorityHigh:
		return 0
	case priorityMedium:
		return 1
	case priorityLow:
		return 2
	}
	return 3
}
