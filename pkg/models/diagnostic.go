package models

// Diagnostic severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Diagnostic describes a defect found while compiling an editor graph.
type Diagnostic struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	NodeID   string `json:"node_id,omitempty"`
	Message  string `json:"message"`
}

// CompileResult is the outcome of a compilation. Graph is always a valid,
// executable program; Degraded is set when it is the synthesized fallback.
type CompileResult struct {
	Graph       *CompiledGraph `json:"graph"`
	Diagnostics []Diagnostic   `json:"diagnostics"`
	Degraded    bool           `json:"degraded"`
}

// HasWarnings reports whether any diagnostic is a warning or an error.
func (r CompileResult) HasWarnings() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityWarning || d.Severity == SeverityError {
			return true
		}
	}

	return false
}

// Codes lists the diagnostic codes in emission order.
func (r CompileResult) Codes() []string {
	codes := make([]string, 0, len(r.Diagnostics))
	for _, d := range r.Diagnostics {
		codes = append(codes, d.Code)
	}

	return codes
}
