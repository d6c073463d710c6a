package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/blob"
	"github.com/sells-group/eventimport/internal/duplicate"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
	"github.com/sells-group/eventimport/internal/schema"
	"github.com/sells-group/eventimport/internal/sheet"
)

// maxCachedWorkbooks bounds the parsed files kept between batches.
const maxCachedWorkbooks = 8

// workbook returns the parsed file, parsing it on first use.
func (p *Pipeline) workbook(ctx context.Context, f *model.ImportFile) (*sheet.Workbook, error) {
	p.sheetsMu.Lock()
	wb, ok := p.sheets[f.ID]
	p.sheetsMu.Unlock()
	if ok {
		return wb, nil
	}

	data, err := p.blobs.Get(ctx, f.StorageKey)
	if eris.Is(err, blob.ErrNotFound) {
		return nil, eris.Wrapf(err, "pipeline: stored file %s is gone", f.StorageKey)
	}
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "pipeline: read %s", f.StorageKey), 0)
	}
	mimeType := f.DeclaredMimeType
	if mimeType == "" {
		mimeType = f.DetectedMimeType
	}
	wb, err = sheet.Parse(ctx, data, f.OriginalName, mimeType)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse %s", f.OriginalName)
	}

	p.sheetsMu.Lock()
	defer p.sheetsMu.Unlock()
	if len(p.sheets) >= maxCachedWorkbooks {
		for k := range p.sheets {
			delete(p.sheets, k)
			break
		}
	}
	p.sheets[f.ID] = wb
	return wb, nil
}

// forgetWorkbook drops a cached file once its jobs no longer need it.
func (p *Pipeline) forgetWorkbook(fileID string) {
	p.sheetsMu.Lock()
	defer p.sheetsMu.Unlock()
	delete(p.sheets, fileID)
}

// jobInput is everything a row-processing stage needs for one job.
type jobInput struct {
	file    *model.ImportFile
	dataset *model.Dataset
	sheet   *sheet.Sheet
	headers []string
}

func (p *Pipeline) loadInput(ctx context.Context, j *model.ImportJob) (*jobInput, error) {
	f, err := p.store.GetImportFile(ctx, j.ImportFileID)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "pipeline: load file %s", j.ImportFileID), 0)
	}
	ds, err := p.store.GetDataset(ctx, j.DatasetID)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "pipeline: load dataset %s", j.DatasetID), 0)
	}
	wb, err := p.workbook(ctx, f)
	if err != nil {
		return nil, err
	}
	sh := wb.Sheet(j.SheetIndex)
	if sh == nil {
		return nil, eris.Errorf("pipeline: sheet %d missing from %s", j.SheetIndex, f.OriginalName)
	}
	return &jobInput{
		file:    f,
		dataset: ds,
		sheet:   sh,
		headers: schema.ApplyTransforms(sh.Headers, ds.Transforms),
	}, nil
}

// batch returns the records of the next batch of stage and the row offset
// they start at.
func (p *Pipeline) batch(in *jobInput, j *model.ImportJob, stage model.Stage, size int, maxDepth int) ([]map[string]any, int, error) {
	offset := j.Progress.Offset(stage)
	rows := in.sheet.Slice(offset, size)
	records := make([]map[string]any, len(rows))
	for i, r := range rows {
		rec, err := schema.BuildRecord(in.headers, r, maxDepth)
		if err != nil {
			return nil, offset, eris.Wrapf(err, "row %d", offset+i+2)
		}
		records[i] = rec
	}
	return records, offset, nil
}

// lastBatch reports whether a batch starting at offset reaches the end.
func lastBatch(in *jobInput, offset, n int) bool {
	return offset+n >= len(in.sheet.Rows)
}

// textAt renders the value at a mapped path as text, or "" when unmapped.
func textAt(rec map[string]any, path string) string {
	if path == "" {
		return ""
	}
	v, ok := duplicate.Lookup(rec, path)
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// valueAt returns the raw value at a mapped path.
func valueAt(rec map[string]any, path string) any {
	if path == "" {
		return nil
	}
	v, _ := duplicate.Lookup(rec, path)
	return v
}

// timestampAt parses the value at path as an event timestamp.
func timestampAt(rec map[string]any, path string) *time.Time {
	s := textAt(rec, path)
	if s == "" {
		return nil
	}
	t, ok := schema.ParseDate(s)
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}
