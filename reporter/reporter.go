// Package reporter defines the narrow contract the calibration worker uses
// to turn a finished session's results into a delivered report. Generating
// the real PDF and mailing it live outside this repo; Reporter only names
// the two calls the worker's EOF path makes, and Summary carries just
// enough of a session's terminal Results to write one.
package reporter

// Summary is the subset of a session's terminal results a report needs.
// It mirrors session.Results rather than importing that package, so this
// package stays a leaf dependency callable from the worker.
type Summary struct {
	SessionID             string
	Accuracy              float64
	ModelUncertaintyUpper float64
	EmpiricalCoverage     float64
	MaxSetSize            int32
	Alpha                 float64
	AlphaStd              float64
	UncertaintyStd        float64
}

// Reporter generates a report artifact from a session's terminal summary
// and sends it to a recipient. Generate returns a path (or opaque handle)
// for Send to consume.
type Reporter interface {
	Generate(summary Summary) (path string, err error)
	Send(path, recipient string) error
}
