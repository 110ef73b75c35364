package reporter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileReporter_GenerateAndSend(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileReporter(dir)
	if err != nil {
		t.Fatalf("NewFileReporter: %v", err)
	}

	summary := Summary{
		SessionID:             "11111111-1111-1111-1111-111111111111",
		Accuracy:              0.9123,
		ModelUncertaintyUpper: 0.05,
		EmpiricalCoverage:     0.91,
		MaxSetSize:            3,
		Alpha:                 0.1,
		AlphaStd:              0.01,
		UncertaintyStd:        0.02,
	}

	path, err := r.Generate(summary)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("path %q not under %q", path, dir)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading generated report: %v", err)
	}
	if !strings.Contains(string(contents), summary.SessionID) {
		t.Errorf("report missing session id: %s", contents)
	}
	if !strings.Contains(string(contents), "0.9123") {
		t.Errorf("report missing accuracy: %s", contents)
	}

	if err := r.Send(path, "user@example.com"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestNewFileReporter_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "reports")
	if _, err := NewFileReporter(dir); err != nil {
		t.Fatalf("NewFileReporter: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected directory at %q", dir)
	}
}
