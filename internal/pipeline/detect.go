package pipeline

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
	"github.com/sells-group/eventimport/internal/sheet"
	"github.com/sells-group/eventimport/internal/store"
)

// jobNamespace derives deterministic job ids so a repeated detection task
// finds the jobs an interrupted run already created.
var jobNamespace = uuid.MustParse("0b9e0c55-5c1e-4a53-9d0f-2f7c1d6a8e41")

func jobID(fileID string, sheetIndex int) string {
	return uuid.NewSHA1(jobNamespace, []byte(fileID+"/"+strconv.Itoa(sheetIndex))).String()
}

// detectDatasets parses the stored file, resolves a dataset per non-empty
// sheet and creates one job per sheet at analyze-duplicates.
func (p *Pipeline) detectDatasets(ctx context.Context, payload model.TaskPayload) error {
	log := p.log.With(zap.String("file_id", payload.ImportFileID), zap.String("stage", string(model.StageDatasetDetection)))
	f, err := p.store.GetImportFile(ctx, payload.ImportFileID)
	if eris.Is(err, store.ErrNotFound) {
		log.Warn("pipeline: import file not found, dropping task")
		return nil
	}
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "pipeline: load file"), 0)
	}
	if f.Status != model.FileStatusProcessing {
		log.Debug("pipeline: file not processing, skipping detection", zap.String("status", string(f.Status)))
		return nil
	}

	start := p.now()
	wb, err := p.workbook(ctx, f)
	if err != nil {
		if resilience.IsTransient(err) {
			return err
		}
		return p.failFile(ctx, f.ID, err)
	}

	if limit := p.quotas.MaxRowsPerImport; limit > 0 && wb.TotalRows() > limit {
		return p.failFile(ctx, f.ID, eris.Errorf("file has %d rows, the limit is %d", wb.TotalRows(), limit))
	}
	nonEmpty := wb.NonEmpty()
	if len(nonEmpty) == 0 {
		return p.failFile(ctx, f.ID, sheet.ErrNoDataRows)
	}
	single := len(wb.Sheets) == 1

	var jobs []*model.ImportJob
	f.Sheets = f.Sheets[:0]
	for _, sh := range wb.Sheets {
		info := model.SheetInfo{Index: sh.Index, Name: sh.Name, Rows: len(sh.Rows)}
		if len(sh.Rows) == 0 {
			info.Skipped = true
			info.Reason = "no data rows"
			f.Sheets = append(f.Sheets, info)
			log.Info("pipeline: skipping empty sheet", zap.String("sheet", sh.Name))
			continue
		}

		j, err := p.ensureJob(ctx, f, sh, single)
		if err != nil {
			if resilience.IsTransient(err) {
				return err
			}
			return p.failFile(ctx, f.ID, err)
		}
		info.DatasetID = j.DatasetID
		info.JobID = j.ID
		f.Sheets = append(f.Sheets, info)
		jobs = append(jobs, j)
	}

	f.DatasetsCount = len(jobs)
	f.UpdatedAt = p.now().UTC()
	if err := p.store.UpdateImportFile(ctx, f); err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "pipeline: save detected sheets"), 0)
	}
	for _, j := range jobs {
		if j.Stage.Terminal() || j.Stage == model.StageAwaitApproval {
			continue
		}
		if _, err := p.enqueueStage(ctx, j, 0); err != nil {
			return resilience.NewTransientError(err, 0)
		}
	}
	log.Info("pipeline: datasets detected",
		zap.Int("sheets", len(wb.Sheets)),
		zap.Int("jobs", len(jobs)),
		zap.Int("rows", wb.TotalRows()),
		zap.Duration("duration", p.now().Sub(start)),
	)
	return nil
}

// ensureJob returns the job for a sheet, creating it and resolving its
// dataset on first run.
func (p *Pipeline) ensureJob(ctx context.Context, f *model.ImportFile, sh *sheet.Sheet, single bool) (*model.ImportJob, error) {
	id := jobID(f.ID, sh.Index)
	j, err := p.store.GetImportJob(ctx, id)
	if err == nil {
		return j, nil
	}
	if !eris.Is(err, store.ErrNotFound) {
		return nil, resilience.NewTransientError(eris.Wrap(err, "pipeline: load job"), 0)
	}

	ds, err := p.resolveDataset(ctx, f, sh, single)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	j = &model.ImportJob{
		ID:           id,
		ImportFileID: f.ID,
		DatasetID:    ds.ID,
		SheetIndex:   sh.Index,
		SheetName:    sh.Name,
		Stage:        model.StageAnalyzeDuplicates,
		Progress:     model.Progress{TotalRows: len(sh.Rows)},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.CreateImportJob(ctx, j); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "pipeline: create job"), 0)
	}
	p.log.Info("pipeline: job created",
		zap.String("job_id", j.ID),
		zap.String("file_id", f.ID),
		zap.String("dataset_id", ds.ID),
		zap.String("sheet", sh.Name),
		zap.Int("rows", len(sh.Rows)),
	)
	return j, nil
}

// resolveDataset picks the dataset for a sheet: the file's target dataset,
// then the schedule's sheet mapping, then an exact name match in the
// catalog, and finally a new dataset in the base language.
func (p *Pipeline) resolveDataset(ctx context.Context, f *model.ImportFile, sh *sheet.Sheet, single bool) (*model.Dataset, error) {
	if id := f.Metadata.TargetDatasetID; id != "" {
		ds, err := p.store.GetDataset(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: target dataset %s", id)
		}
		return ds, nil
	}

	name := sh.Name
	if single {
		name = f.OriginalName
	}
	if m, ok := f.Metadata.DatasetMapping.Resolve(sh.Index, sh.Name); ok {
		if m.DatasetID != "" {
			ds, err := p.store.GetDataset(ctx, m.DatasetID)
			if err != nil {
				return nil, eris.Wrapf(err, "pipeline: mapped dataset %s", m.DatasetID)
			}
			return ds, nil
		}
		if m.DatasetName != "" {
			name = m.DatasetName
		}
	}

	ds, err := p.store.FindDataset(ctx, f.CatalogID, name)
	if err == nil {
		return ds, nil
	}
	if !eris.Is(err, store.ErrNotFound) {
		return nil, resilience.NewTransientError(eris.Wrap(err, "pipeline: find dataset"), 0)
	}

	lang := p.cfg.BaseLanguage
	if lang == "" {
		lang = model.BaseLanguage
	}
	ds = model.NewDataset(f.CatalogID, name, lang)
	if err := p.store.CreateDataset(ctx, ds); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "pipeline: create dataset"), 0)
	}
	p.log.Info("pipeline: dataset created",
		zap.String("dataset_id", ds.ID),
		zap.String("catalog_id", ds.CatalogID),
		zap.String("name", ds.Name),
	)
	return ds, nil
}
