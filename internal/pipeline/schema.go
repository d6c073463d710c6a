package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/fieldmap"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
	"github.com/sells-group/eventimport/internal/schema"
	"github.com/sells-group/eventimport/internal/store"
)

// detectSchema folds one batch into the job's schema snapshot. Field
// mappings are detected from the headers on the first batch.
func (p *Pipeline) detectSchema(ctx context.Context, j *model.ImportJob, payload model.TaskPayload) error {
	stage := model.StageDetectSchema
	in, err := p.loadInput(ctx, j)
	if err != nil {
		return err
	}
	opts := p.schemaOptions(in.dataset)
	records, offset, err := p.batch(in, j, stage, p.cfg.SchemaBatchSize, opts.MaxDepth)
	if err != nil {
		return err
	}

	if offset == 0 || j.Schema == nil {
		j.Schema = schema.New()
		j.DetectedFieldMappings = fieldmap.Detect(in.headers, in.dataset.Language, in.dataset.FieldMappingOverrides)
	}
	for _, rec := range records {
		j.Schema.Observe(rec, opts)
	}

	now := p.now().UTC()
	j.Progress.Advance(stage, len(records), now)
	if !lastBatch(in, offset, len(records)) {
		return p.continueStage(ctx, j, payload)
	}
	j.Schema.Finalize(opts)
	j.Progress.Complete(stage, now)
	return p.Transition(ctx, j, model.StageValidateSchema)
}

// validateSchema compares the job's schema with the dataset's published
// schema and routes the job by the dataset's change policy.
func (p *Pipeline) validateSchema(ctx context.Context, j *model.ImportJob, _ model.TaskPayload) error {
	ds, err := p.store.GetDataset(ctx, j.DatasetID)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "pipeline: load dataset"), 0)
	}
	published, err := p.store.PublishedSchemaVersion(ctx, ds.ID)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return resilience.NewTransientError(eris.Wrap(err, "pipeline: load published schema"), 0)
	}

	var prev *schema.Schema
	if published != nil {
		prev = published.Schema
	}
	diff := schema.Compare(prev, j.Schema)
	decision, reason := schema.Decide(ds.SchemaConfig.Policy(), diff)

	j.SchemaValidation = model.SchemaValidation{
		Decision:            decision,
		Reason:              reason,
		Changes:             diff,
		Breaking:            diff.Breaking(),
		BreakingReasons:     diff.BreakingReasons(),
		RequiresApproval:    decision == schema.DecisionApproval,
		SuggestedTransforms: schema.SuggestTransforms(diff, p.cfg.SuggestionThreshold),
	}
	p.log.Info("pipeline: schema validated",
		zap.String("job_id", j.ID),
		zap.String("decision", string(decision)),
		zap.String("reason", reason),
		zap.Bool("breaking", diff.Breaking()),
	)

	switch decision {
	case schema.DecisionUnchanged:
		if published != nil {
			j.SchemaVersionID = published.ID
		}
		return p.Transition(ctx, j, model.StageGeocodeBatch)
	case schema.DecisionPublish:
		now := p.now().UTC()
		j.SchemaValidation.Approved = true
		j.SchemaValidation.AutoApproved = true
		j.SchemaValidation.ApprovedAt = &now
		return p.Transition(ctx, j, model.StageCreateSchemaVersion)
	default:
		draft, err := p.createDraft(ctx, j, diff)
		if err != nil {
			return err
		}
		j.SchemaValidation.DraftVersionID = draft.ID
		return p.Transition(ctx, j, model.StageAwaitApproval)
	}
}

func (p *Pipeline) createDraft(ctx context.Context, j *model.ImportJob, diff *schema.Diff) (*model.SchemaVersion, error) {
	v := &model.SchemaVersion{
		DatasetID:   j.DatasetID,
		Status:      model.SchemaVersionDraft,
		Schema:      j.Schema,
		Changes:     diff,
		ImportJobID: j.ID,
	}
	if err := p.store.CreateSchemaVersion(ctx, v); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "pipeline: create schema draft"), 0)
	}
	return v, nil
}

// createSchemaVersion publishes the job's schema. The draft id is saved on
// the job before publishing so a repeated task publishes the same version.
func (p *Pipeline) createSchemaVersion(ctx context.Context, j *model.ImportJob, _ model.TaskPayload) error {
	sv := &j.SchemaValidation
	if sv.DraftVersionID == "" {
		draft, err := p.createDraft(ctx, j, sv.Changes)
		if err != nil {
			return err
		}
		sv.DraftVersionID = draft.ID
		j.UpdatedAt = p.now().UTC()
		if err := p.store.UpdateImportJob(ctx, j); err != nil {
			return eris.Wrap(err, "pipeline: save schema draft id")
		}
	}

	v, err := p.store.GetSchemaVersion(ctx, sv.DraftVersionID)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "pipeline: load schema draft"), 0)
	}
	if v.Status != model.SchemaVersionPublished {
		approval := model.Approval{
			Auto:       sv.AutoApproved,
			ApprovedBy: sv.ApprovedBy,
			ApprovedAt: sv.ApprovedAt,
			Notes:      sv.Notes,
		}
		v, err = p.store.PublishSchemaVersion(ctx, v.ID, approval, p.now().UTC())
		if err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "pipeline: publish schema version"), 0)
		}
		p.log.Info("pipeline: schema version published",
			zap.String("job_id", j.ID),
			zap.String("dataset_id", j.DatasetID),
			zap.Int("version", v.VersionNumber),
		)
	}

	j.SchemaVersionID = v.ID
	return p.Transition(ctx, j, model.StageGeocodeBatch)
}
