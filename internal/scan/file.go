package scan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/remedyhq/remedy/internal/types"
)

// ResultsFile is a scan result file as dropped on disk by a scanner or
// CI export job.
type ResultsFile struct {
	Repo     string
	ScanTime time.Time
	Findings []types.ScanFinding
}

// ReadResultsFile parses a JSON results file. The repo comes from the
// envelope when present, otherwise from the file name stem with "__"
// standing in for "/" (acme__payments.json becomes acme/payments).
// Scan time defaults to the file's modification time.
func ReadResultsFile(path string) (*ResultsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat results file: %w", err)
	}

	out := &ResultsFile{ScanTime: info.ModTime().UTC()}

	var envelope resultsEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Findings != nil {
		out.Repo = envelope.Repo
		out.Findings = envelope.Findings
		if envelope.ScanTime != nil {
			out.ScanTime = envelope.ScanTime.UTC()
		}
	} else {
		findings, err := decodeFindings(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out.Findings = findings
	}

	if out.Repo == "" {
		out.Repo = repoFromFilename(path)
	}
	if out.Repo == "" {
		return nil, fmt.Errorf("%s: no repo in envelope or file name", path)
	}
	return out, nil
}

// repoFromFilename derives "owner/repo" from "owner__repo.json".
func repoFromFilename(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.ReplaceAll(stem, "__", "/")
}
