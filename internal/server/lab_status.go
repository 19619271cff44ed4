package server

// Lab result status values derived from a numeric value and its reference range.
const (
	statusPending      = "pending"
	statusNormal       = "normal"
	statusLow          = "low"
	statusHigh         = "high"
	statusCriticalLow  = "critical_low"
	statusCriticalHigh = "critical_high"
)

const (
	criticalLowFactor  = 0.5
	criticalHighFactor = 1.5
)

var abnormalStatuses = []string{statusLow, statusHigh, statusCriticalLow, statusCriticalHigh}

// classifyLabValue derives the status of a lab result from its value and
// reference bounds. It is pure; handlers re-run it whenever the value or
// either bound changes.
//
// A value exactly at low*0.5 is low, not critical_low; a value exactly at
// high*1.5 is high. Values exactly on a reference bound are normal.
func classifyLabValue(value, low, high *float64) string {
	if value == nil {
		return statusPending
	}
	v := *value

	if low != nil && v < *low {
		if v < *low*criticalLowFactor {
			return statusCriticalLow
		}
		return statusLow
	}
	if high != nil && v > *high {
		if v > *high*criticalHighFactor {
			return statusCriticalHigh
		}
		return statusHigh
	}
	// Inside the range, outside a single-sided bound on the safe side, or no
	// bounds at all: nothing to flag.
	return statusNormal
}

func isAbnormalStatus(status string) bool {
	switch status {
	case statusLow, statusHigh, statusCriticalLow, statusCriticalHigh:
		return true
	}
	return false
}

func isCriticalStatus(status string) bool {
	return status == statusCriticalLow || status == statusCriticalHigh
}

func validLabCategory(category string) bool {
	switch category {
	case "blood", "urine", "imaging", "pathology", "genetic", "other":
		return true
	}
	return false
}
