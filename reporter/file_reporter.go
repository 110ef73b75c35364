package reporter

import (
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/TogetherForABetterAI/calibration-service/errors"
	"github.com/TogetherForABetterAI/calibration-service/logger"
)

var summaryTemplate = template.Must(template.New("summary").Parse(
	`Calibration report for session {{.SessionID}}
Accuracy: {{printf "%.4f" .Accuracy}}
Empirical coverage: {{printf "%.4f" .EmpiricalCoverage}}
Max prediction-set size: {{.MaxSetSize}}
Alpha: {{printf "%.4f" .Alpha}} (std {{printf "%.4f" .AlphaStd}})
Model uncertainty upper bound: {{printf "%.4f" .ModelUncertaintyUpper}} (std {{printf "%.4f" .UncertaintyStd}})
`))

// FileReporter writes a plain-text summary to a directory and logs a
// no-op "send" — a stand-in for the real PDF/SMTP pipeline, which lives
// outside this repo.
type FileReporter struct {
	dir string
}

// NewFileReporter builds a FileReporter rooted at dir, creating it if
// necessary.
func NewFileReporter(dir string) (*FileReporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating report directory %q", dir)
	}
	return &FileReporter{dir: dir}, nil
}

// Generate writes summary as plain text and returns its path.
func (r *FileReporter) Generate(summary Summary) (string, error) {
	path := filepath.Join(r.dir, fmt.Sprintf("%s.txt", summary.SessionID))
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "creating report file %q", path)
	}
	defer f.Close()

	if err := summaryTemplate.Execute(f, summary); err != nil {
		return "", errors.Wrapf(err, "rendering report for session %s", summary.SessionID)
	}
	return path, nil
}

// Send logs the delivery; mailing the artifact is an external concern.
func (r *FileReporter) Send(path, recipient string) error {
	logger.Logger.Infow("report ready for delivery", "path", path, "recipient", recipient)
	return nil
}

var _ Reporter = (*FileReporter)(nil)
