package session

import "sync"

// fakeUQ is a minimal, deterministic UQ stand-in for tests. Calibrate
// records one conformity score per sample (the top-class probability);
// GetUncertaintyOpt returns a fixed uncertainty and a shrinking alpha;
// BuildPredictionSets includes every class whose probability is at least
// the configured threshold.
type fakeUQ struct {
	mu        sync.Mutex
	scores    []float64
	alpha     *float64
	threshold float32
	calls     int
}

func newFakeUQ(threshold float32) *fakeUQ {
	return &fakeUQ{threshold: threshold}
}

func (f *fakeUQ) Calibrate(probs [][]float32, labels []int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range probs {
		best := float32(0)
		for _, p := range row {
			if p > best {
				best = p
			}
		}
		f.scores = append(f.scores, float64(best))
	}
	return nil
}

func (f *fakeUQ) ConformityScores() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.scores...)
}

func (f *fakeUQ) Restore(scores []float64, alpha *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores = append([]float64(nil), scores...)
	f.alpha = alpha
}

func (f *fakeUQ) GetUncertaintyOpt(probs [][]float32, labels []int32) (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	alpha := 0.2 - float64(f.calls)*0.01
	return 0.05, alpha, nil
}

func (f *fakeUQ) BuildPredictionSets(probs [][]float32) ([][]bool, error) {
	f.mu.Lock()
	threshold := f.threshold
	f.mu.Unlock()

	sets := make([][]bool, len(probs))
	for i, row := range probs {
		set := make([]bool, len(row))
		for j, p := range row {
			set[j] = p >= threshold
		}
		sets[i] = set
	}
	return sets, nil
}
