package train

// State of a training session.
type State int

const (
	// Running until early stopping, the epochs limit or cancellation.
	Running State = iota
	// EarlyStopped after too many validations without F1 improvement.
	EarlyStopped
	// Done after the epochs limit or a cancellation.
	Done
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case EarlyStopped:
		return "EARLY_STOPPED"
	case Done:
		return "DONE"
	}
	return "UNKNOWN"
}

// Patience converts the patience given in epochs into a number of validations:
// patience times the number of validations per epoch.
func Patience(patience, trainSize, batchSize, devEvery int) int {
	return patience * (trainSize/batchSize/devEvery + 1)
}

// Validation is the result of one pass over the dev split.
type Validation struct {
	Precision, Recall, F1 float64
	// NCorrect counts dev sequences whose labels were all predicted correctly, out of NTotal.
	NCorrect, NTotal int
}

// Session holds the counters of one training run.
type Session struct {
	RunID string
	State State

	Epoch      int
	Iterations int
	// ItersNotImproved counts consecutive validations without F1 improvement.
	ItersNotImproved int
	Patience         int

	BestPrecision, BestRecall, BestF1 float64

	// NCorrect and NTotal count exactly matched and seen training sequences in the current epoch.
	NCorrect, NTotal int
}

// NewSession creates a session in the Running state.
func NewSession(runID string, patience int) *Session {
	return &Session{RunID: runID, Patience: patience}
}

// Accuracy returns the percentage of exactly matched training sequences in the current epoch.
func (s *Session) Accuracy() float64 {
	if s.NTotal == 0 {
		return 0
	}
	return 100 * float64(s.NCorrect) / float64(s.NTotal)
}

// RecordValidation updates the best scores and the early stopping counter. It returns whether F1
// strictly improved, in which case the model should be checkpointed. Once the counter exceeds
// the patience the session moves to EarlyStopped.
func (s *Session) RecordValidation(v Validation) (improved bool) {
	if v.F1 > s.BestF1 {
		s.BestF1, s.BestPrecision, s.BestRecall = v.F1, v.Precision, v.Recall
		s.ItersNotImproved = 0
		return true
	}
	s.ItersNotImproved++
	if s.ItersNotImproved > s.Patience {
		s.State = EarlyStopped
	}
	return false
}
