package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/duplicate"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
	"github.com/sells-group/eventimport/internal/schema"
	"github.com/sells-group/eventimport/internal/store"
)

// eventCreationDeferral is how long event creation waits while the
// enableEventCreation flag is off.
const eventCreationDeferral = 5 * time.Minute

// createEvents writes the events of one batch. Internal duplicates are
// dropped; external duplicates follow the dataset's duplicate strategy.
func (p *Pipeline) createEvents(ctx context.Context, j *model.ImportJob, payload model.TaskPayload) error {
	stage := model.StageCreateEvents
	if !p.featureFlags(ctx).EventCreation {
		te := resilience.NewTransientError(eris.New("pipeline: event creation disabled"), 0)
		te.RetryAfter = eventCreationDeferral
		return te
	}

	in, err := p.loadInput(ctx, j)
	if err != nil {
		return err
	}
	records, offset, err := p.batch(in, j, stage, p.cfg.EventsBatchSize, p.schemaOptions(in.dataset).MaxDepth)
	if err != nil {
		return err
	}
	validator, err := p.validator(ctx, j)
	if err != nil {
		return err
	}

	strategy := in.dataset.IDStrategy
	keys := make([]duplicate.Key, len(records))
	var entries []duplicate.RowKeyEntry
	var lookup []string
	for i, rec := range records {
		k := duplicate.RowKey(strategy, j.ID, offset+i, rec)
		keys[i] = k
		lookup = append(lookup, k.Value)
		if !k.RowScoped {
			entries = append(entries, duplicate.RowKeyEntry{Key: k.Value, Row: offset + i})
		}
	}
	first := map[string]int{}
	if len(entries) > 0 {
		if first, err = p.store.RecordRowKeys(ctx, j.ID, entries); err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "pipeline: record row keys"), 0)
		}
	}
	latest, err := p.store.LatestEvents(ctx, in.dataset.ID, lookup)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "pipeline: latest events"), 0)
	}

	res := &j.Results
	mappings := j.DetectedFieldMappings
	var inserts []model.Event
	var updates []model.Event
	for i, rec := range records {
		k := keys[i]
		if fr, ok := first[k.Value]; ok && !k.RowScoped && fr < offset+i {
			res.Duplicates++
			continue
		}

		ev := p.buildEvent(j, in.dataset.ID, rec, mappings)
		ev.UniqueKey = k.Value
		if validator != nil {
			ev.Validation.SchemaErrors = validator.Validate(rec)
			if len(ev.Validation.SchemaErrors) > 0 {
				res.Invalid++
			}
		}

		ref, exists := latest[k.Value]
		switch {
		case !exists:
			inserts = append(inserts, ev)
			res.Created++
		case ref.ImportJobID == j.ID:
			// Written by an earlier attempt of this batch.
			countReplayed(res, strategy.Duplicates, ref)
		case strategy.Duplicates == model.DuplicateUpdate:
			ev.ID = ref.ID
			ev.Version = ref.Version
			updates = append(updates, ev)
			res.Updated++
		case strategy.Duplicates == model.DuplicateVersion:
			ev.Version = ref.Version + 1
			inserts = append(inserts, ev)
			res.Versioned++
		default:
			res.Skipped++
		}
	}

	if _, err := p.store.InsertEvents(ctx, inserts); err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "pipeline: insert events"), 0)
	}
	for i := range updates {
		if err := p.store.UpdateEvent(ctx, &updates[i]); err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "pipeline: update event"), 0)
		}
	}

	now := p.now().UTC()
	j.Progress.Advance(stage, len(records), now)
	if !lastBatch(in, offset, len(records)) {
		return p.continueStage(ctx, j, payload)
	}
	j.Progress.Complete(stage, now)
	if err := p.Transition(ctx, j, model.StageCompleted); err != nil {
		return err
	}
	p.forgetWorkbook(j.ImportFileID)
	p.log.Info("pipeline: job completed",
		zap.String("job_id", j.ID),
		zap.String("dataset_id", j.DatasetID),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("versioned", res.Versioned),
		zap.Int("skipped", res.Skipped),
		zap.Int("duplicates", res.Duplicates),
	)
	return nil
}

func countReplayed(res *model.EventResults, strategy model.DuplicateStrategy, ref store.EventRef) {
	switch {
	case ref.Version > 1:
		res.Versioned++
	case strategy == model.DuplicateUpdate:
		res.Updated++
	default:
		res.Created++
	}
}

func (p *Pipeline) buildEvent(j *model.ImportJob, datasetID string, rec map[string]any, m model.FieldMappings) model.Event {
	pt, source, swapped := coordinatesFor(rec, m, &j.Geocoding)
	return model.Event{
		DatasetID:        datasetID,
		ImportJobID:      j.ID,
		SchemaVersionID:  j.SchemaVersionID,
		Title:            textAt(rec, m.Title),
		Description:      textAt(rec, m.Description),
		Data:             rec,
		EventTimestamp:   timestampAt(rec, m.Timestamp),
		Location:         pt,
		LocationName:     textAt(rec, m.LocationName),
		CoordinateSource: source,
		Validation:       model.EventValidation{CoordinatesSwapped: swapped},
	}
}

// validator builds the row validator for the job's schema version. Jobs
// without a schema version are not validated.
func (p *Pipeline) validator(ctx context.Context, j *model.ImportJob) (*schema.Validator, error) {
	if j.SchemaVersionID == "" {
		return nil, nil
	}
	v, err := p.store.GetSchemaVersion(ctx, j.SchemaVersionID)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "pipeline: load schema version"), 0)
	}
	if v.Schema == nil {
		return nil, nil
	}
	val, err := schema.NewValidator(v.Schema)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: compile schema version %d", v.VersionNumber)
	}
	return val, nil
}
