package domain

// Outcome is the result of persisting a single row.
type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeAlreadyExists
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeAlreadyExists:
		return "already_exists"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RowResult reports what happened to one row. Err is set only for OutcomeFailed.
type RowResult struct {
	BusinessEventID string
	Outcome         Outcome
	Err             error
}

// WriteResult summarises a batch write.
type WriteResult struct {
	Inserted       int
	AlreadyExisted int
	// RoundTrips counts the statements sent to the store for this batch.
	RoundTrips int
}

// Add folds a single row result into the summary.
func (r *WriteResult) Add(res RowResult) {
	switch res.Outcome {
	case OutcomeInserted:
		r.Inserted++
	case OutcomeAlreadyExists:
		r.AlreadyExisted++
	}
}
