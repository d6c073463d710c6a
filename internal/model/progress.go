package model

import (
	"time"
)

// stageWeights apportion overall progress between the row-processing stages.
var stageWeights = map[Stage]float64{
	StageAnalyzeDuplicates: 0.15,
	StageDetectSchema:      0.15,
	StageGeocodeBatch:      0.35,
	StageCreateEvents:      0.35,
}

// StageProgress tracks one stage of a job. RowsProcessed doubles as the
// checkpoint: the next batch starts at that row offset.
type StageProgress struct {
	RowsTotal        int        `json:"rows_total"`
	RowsProcessed    int        `json:"rows_processed"`
	BatchesProcessed int        `json:"batches_processed"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Done reports whether every row of the stage has been processed.
func (p *StageProgress) Done() bool {
	return p.CompletedAt != nil || (p.RowsTotal > 0 && p.RowsProcessed >= p.RowsTotal)
}

// Progress is the observable progress of an import job.
type Progress struct {
	TotalRows           int                      `json:"total_rows"`
	Stages              map[Stage]*StageProgress `json:"stages,omitempty"`
	Percent             float64                  `json:"percent"`
	EstimatedCompletion *time.Time               `json:"estimated_completion,omitempty"`
}

// Stage returns the progress record for s, creating it on first use.
func (p *Progress) Stage(s Stage) *StageProgress {
	if p.Stages == nil {
		p.Stages = make(map[Stage]*StageProgress)
	}
	sp, ok := p.Stages[s]
	if !ok {
		sp = &StageProgress{RowsTotal: p.TotalRows}
		p.Stages[s] = sp
	}
	return sp
}

// Offset returns the checkpointed row offset for s.
func (p *Progress) Offset(s Stage) int {
	if sp, ok := p.Stages[s]; ok {
		return sp.RowsProcessed
	}
	return 0
}

// Advance records a processed batch for s and refreshes the estimate.
func (p *Progress) Advance(s Stage, rows int, now time.Time) {
	sp := p.Stage(s)
	if sp.StartedAt == nil {
		started := now
		sp.StartedAt = &started
	}
	sp.RowsProcessed += rows
	sp.BatchesProcessed++
	p.refresh(s, now)
}

// Complete marks s finished.
func (p *Progress) Complete(s Stage, now time.Time) {
	sp := p.Stage(s)
	if sp.StartedAt == nil {
		started := now
		sp.StartedAt = &started
	}
	if sp.RowsProcessed < sp.RowsTotal {
		sp.RowsProcessed = sp.RowsTotal
	}
	done := now
	sp.CompletedAt = &done
	p.refresh(s, now)
}

// Reset clears the checkpoint of s so the stage runs again from the start.
func (p *Progress) Reset(s Stage) {
	if p.Stages != nil {
		delete(p.Stages, s)
	}
}

// refresh recomputes the overall percentage and, from the throughput of the
// active stage, the expected completion time.
func (p *Progress) refresh(active Stage, now time.Time) {
	var pct float64
	for s, w := range stageWeights {
		sp, ok := p.Stages[s]
		if !ok {
			continue
		}
		switch {
		case sp.CompletedAt != nil:
			pct += w
		case sp.RowsTotal > 0:
			pct += w * float64(sp.RowsProcessed) / float64(sp.RowsTotal)
		}
	}
	if pct > 1 {
		pct = 1
	}
	p.Percent = pct * 100

	sp := p.Stages[active]
	if sp == nil || sp.StartedAt == nil || sp.RowsProcessed == 0 || pct == 0 {
		return
	}
	elapsed := now.Sub(*sp.StartedAt)
	if elapsed <= 0 {
		return
	}
	rowsPerSec := float64(sp.RowsProcessed) / elapsed.Seconds()
	remainingRows := 0.0
	for s, w := range stageWeights {
		st, ok := p.Stages[s]
		if ok && st.CompletedAt != nil {
			continue
		}
		processed := 0
		if ok {
			processed = st.RowsProcessed
		}
		remainingRows += float64(p.TotalRows-processed) * w / stageWeights[active]
	}
	if rowsPerSec <= 0 || remainingRows < 0 {
		return
	}
	eta := now.Add(time.Duration(remainingRows / rowsPerSec * float64(time.Second)))
	p.EstimatedCompletion = &eta
}
