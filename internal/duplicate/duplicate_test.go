package duplicate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eventimport/internal/model"
)

type memKeys struct {
	first    map[string]int
	existing map[string]bool
	err      error
}

func (m *memKeys) RecordRowKeys(_ context.Context, _ string, keys []RowKeyEntry) (map[string]int, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.first == nil {
		m.first = map[string]int{}
	}
	out := map[string]int{}
	for _, k := range keys {
		if _, ok := m.first[k.Key]; !ok {
			m.first[k.Key] = k.Row
		}
		out[k.Key] = m.first[k.Key]
	}
	return out, nil
}

func (m *memKeys) ExistingEventKeys(_ context.Context, _ string, keys []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, k := range keys {
		if m.existing[k] {
			out[k] = true
		}
	}
	return out, nil
}

func TestRowKey(t *testing.T) {
	t.Parallel()

	rec := map[string]any{"ref": "A-1", "n": 42.0, "meta": map[string]any{"code": "x"}}

	k := RowKey(model.IDStrategy{Type: model.IDStrategyAuto}, "j1", 3, rec)
	assert.True(t, k.RowScoped)
	assert.Equal(t, "row:j1:3", k.Value)

	k = RowKey(model.IDStrategy{Type: model.IDStrategyExternal, Field: "ref"}, "j1", 0, rec)
	assert.Equal(t, Key{Value: "ext:A-1"}, k)

	k = RowKey(model.IDStrategy{Type: model.IDStrategyExternal, Field: "n"}, "j1", 0, rec)
	assert.Equal(t, "ext:42", k.Value)

	k = RowKey(model.IDStrategy{Type: model.IDStrategyExternal, Field: "meta.code"}, "j1", 0, rec)
	assert.Equal(t, "ext:x", k.Value)

	k = RowKey(model.IDStrategy{Type: model.IDStrategyExternal, Field: "missing"}, "j1", 7, rec)
	assert.True(t, k.RowScoped)

	k = RowKey(model.IDStrategy{Type: model.IDStrategyHybrid, Field: "missing"}, "j1", 7, rec)
	assert.False(t, k.RowScoped)
	assert.Contains(t, k.Value, "hash:")
}

func TestComputeHash_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := ComputeHash(map[string]any{"a": "1", "b": 2.0}, nil)
	b := ComputeHash(map[string]any{"b": 2.0, "a": "1"}, nil)
	assert.Equal(t, a, b)

	c := ComputeHash(map[string]any{"a": "1", "b": 3.0}, []string{"a"})
	d := ComputeHash(map[string]any{"a": "1", "b": 4.0}, []string{"a"})
	assert.Equal(t, c, d)
	assert.NotEqual(t, a, c)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	ks := &memKeys{existing: map[string]bool{"ext:B": true}}
	a := NewAnalyzer(ks)
	strategy := model.IDStrategy{Type: model.IDStrategyExternal, Field: "id"}

	rows, sum, err := a.Classify(context.Background(), "j1", "d1", strategy, 0, []map[string]any{
		{"id": "A"}, {"id": "B"}, {"id": "A"}, {},
	})
	require.NoError(t, err)
	assert.Equal(t, []Class{Unique, External, Internal, Unique}, classes(rows))
	assert.Equal(t, Summary{Total: 4, Unique: 2, Internal: 1, External: 1}, sum)

	// A later batch sees the first occurrence recorded by the earlier one.
	rows, sum, err = a.Classify(context.Background(), "j1", "d1", strategy, 4, []map[string]any{{"id": "A"}, {"id": "C"}})
	require.NoError(t, err)
	assert.Equal(t, []Class{Internal, Unique}, classes(rows))
	assert.Equal(t, 1, sum.Internal)

	// Re-running the first batch gives the same answer.
	rows, _, err = a.Classify(context.Background(), "j1", "d1", strategy, 0, []map[string]any{{"id": "A"}})
	require.NoError(t, err)
	assert.Equal(t, Unique, rows[0].Class)
}

func TestClassify_AutoNeverDuplicates(t *testing.T) {
	t.Parallel()

	ks := &memKeys{err: errors.New("must not be called")}
	rows, sum, err := NewAnalyzer(ks).Classify(context.Background(), "j1", "d1",
		model.IDStrategy{Type: model.IDStrategyAuto}, 0, []map[string]any{{"a": "1"}, {"a": "1"}})
	require.NoError(t, err)
	assert.Equal(t, []Class{Unique, Unique}, classes(rows))
	assert.Equal(t, 2, sum.Unique)
}

func TestClassify_StoreError(t *testing.T) {
	t.Parallel()

	ks := &memKeys{err: errors.New("db down")}
	_, _, err := NewAnalyzer(ks).Classify(context.Background(), "j1", "d1",
		model.IDStrategy{Type: model.IDStrategyComputed}, 0, []map[string]any{{"a": "1"}})
	assert.Error(t, err)
}

func TestSummaryAdd(t *testing.T) {
	t.Parallel()

	var into model.DuplicateSummary
	Summary{Total: 3, Unique: 1, Internal: 1, External: 1}.Add(&into)
	Summary{Total: 2, Unique: 2}.Add(&into)
	assert.Equal(t, model.DuplicateSummary{Total: 5, Unique: 3, Internal: 1, External: 1}, into)
}

func classes(rows []Row) []Class {
	out := make([]Class, len(rows))
	for i, r := range rows {
		out[i] = r.Class
	}
	return out
}
