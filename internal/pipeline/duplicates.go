package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
)

// analyzeDuplicates classifies one batch of rows and accumulates the
// duplicate summary on the job.
func (p *Pipeline) analyzeDuplicates(ctx context.Context, j *model.ImportJob, payload model.TaskPayload) error {
	stage := model.StageAnalyzeDuplicates
	in, err := p.loadInput(ctx, j)
	if err != nil {
		return err
	}
	records, offset, err := p.batch(in, j, stage, p.cfg.DuplicatesBatchSize, p.schemaOptions(in.dataset).MaxDepth)
	if err != nil {
		return err
	}

	_, sum, err := p.analyzer.Classify(ctx, j.ID, in.dataset.ID, in.dataset.IDStrategy, offset, records)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "pipeline: classify duplicates"), 0)
	}
	sum.Add(&j.Duplicates)
	j.Duplicates.Strategy = in.dataset.IDStrategy.Type

	now := p.now().UTC()
	j.Progress.Advance(stage, len(records), now)
	if !lastBatch(in, offset, len(records)) {
		return p.continueStage(ctx, j, payload)
	}
	j.Progress.Complete(stage, now)
	return p.Transition(ctx, j, model.StageDetectSchema)
}
