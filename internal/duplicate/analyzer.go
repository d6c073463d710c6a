package duplicate

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/model"
)

// Class is the duplicate classification of a row.
type Class int

const (
	Unique Class = iota
	Internal
	External
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case Internal:
		return "internal"
	case External:
		return "external"
	default:
		return "unique"
	}
}

// RowKeyEntry pairs a key with the sheet row it was first seen at.
type RowKeyEntry struct {
	Key string
	Row int
}

// KeyStore persists first occurrences per job and answers external lookups.
type KeyStore interface {
	// RecordRowKeys stores (job, key, row) for keys not yet seen and returns
	// the first row recorded for every given key.
	RecordRowKeys(ctx context.Context, jobID string, keys []RowKeyEntry) (map[string]int, error)
	// ExistingEventKeys returns which keys already have events in the dataset.
	ExistingEventKeys(ctx context.Context, datasetID string, keys []string) (map[string]bool, error)
}

// Row is the classification of one record.
type Row struct {
	Index int
	Key   Key
	Class Class
}

// Summary counts a batch's classifications.
type Summary struct {
	Total    int
	Unique   int
	Internal int
	External int
}

// Add folds s into the job summary.
func (s Summary) Add(into *model.DuplicateSummary) {
	into.Total += s.Total
	into.Unique += s.Unique
	into.Internal += s.Internal
	into.External += s.External
}

// Analyzer classifies batches of records. Classification is repeatable:
// running the same batch twice yields the same result.
type Analyzer struct {
	store KeyStore
}

// NewAnalyzer creates an analyzer backed by store.
func NewAnalyzer(store KeyStore) *Analyzer {
	return &Analyzer{store: store}
}

// Classify derives keys for records starting at sheet row offset and
// classifies each row. The first occurrence of a key in file order is
// unique; later ones are internal duplicates. Keys present in the dataset's
// events make a row an external duplicate.
func (a *Analyzer) Classify(ctx context.Context, jobID, datasetID string, strategy model.IDStrategy, offset int, records []map[string]any) ([]Row, Summary, error) {
	rows := make([]Row, len(records))
	var entries []RowKeyEntry
	var lookup []string
	seen := make(map[string]bool)
	for i, rec := range records {
		idx := offset + i
		k := RowKey(strategy, jobID, idx, rec)
		rows[i] = Row{Index: idx, Key: k}
		if k.RowScoped {
			continue
		}
		entries = append(entries, RowKeyEntry{Key: k.Value, Row: idx})
		if !seen[k.Value] {
			seen[k.Value] = true
			lookup = append(lookup, k.Value)
		}
	}

	var first map[string]int
	existing := map[string]bool{}
	if len(entries) > 0 {
		var err error
		first, err = a.store.RecordRowKeys(ctx, jobID, entries)
		if err != nil {
			return nil, Summary{}, eris.Wrap(err, "duplicate: record row keys")
		}
		existing, err = a.store.ExistingEventKeys(ctx, datasetID, lookup)
		if err != nil {
			return nil, Summary{}, eris.Wrap(err, "duplicate: existing event keys")
		}
	}

	sum := Summary{Total: len(rows)}
	for i := range rows {
		r := &rows[i]
		if !r.Key.RowScoped {
			if fr, ok := first[r.Key.Value]; ok && fr < r.Index {
				r.Class = Internal
			} else if existing[r.Key.Value] {
				r.Class = External
			}
		}
		switch r.Class {
		case Internal:
			sum.Internal++
		case External:
			sum.External++
		default:
			sum.Unique++
		}
	}
	return rows, sum, nil
}
