package types

// ScanFinding is one raw record as produced by the scan service, before
// identity resolution. The fingerprint is supplied by the scanner and
// treated as opaque; the resolver validates it is non-empty and globally
// unique per logical issue.
type ScanFinding struct {
	Fingerprint string `json:"fingerprint"`
	RuleID      string `json:"rule_id"`
	Severity    string `json:"severity_tier"`
	CWEFamily   string `json:"cwe_family,omitempty"`
	File        string `json:"file"`
	StartLine   int    `json:"start_line"`
	Message     string `json:"message,omitempty"`
}
