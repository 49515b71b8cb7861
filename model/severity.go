package model

type Severity string

const (
	SEVERITY_NONE     Severity = ""
	SEVERITY_LOW      Severity = "LOW"
	SEVERITY_MEDIUM   Severity = "MEDIUM"
	SEVERITY_HIGH     Severity = "HIGH"
	SEVERITY_CRITICAL Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SEVERITY_LOW:
		return 1
	case SEVERITY_MEDIUM:
		return 2
	case SEVERITY_HIGH:
		return 3
	case SEVERITY_CRITICAL:
		return 4
	}
	return 0
}

func (s Severity) AtLeast(o Severity) bool {
	return s.rank() >= o.rank()
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}
