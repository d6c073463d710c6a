package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/model"
)

// CreateImportFile inserts f, assigning an id and timestamps when unset.
func (s *sqlStore) CreateImportFile(ctx context.Context, f *model.ImportFile) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = model.FileStatusPending
	}

	doc, err := marshalDoc(f)
	if err != nil {
		return s.wrap(err, "create import file")
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO import_files (id, catalog_id, status, content_hash, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CatalogID, string(f.Status), f.ContentHash, doc, utc(f.CreatedAt), utc(f.UpdatedAt),
	)
	return s.wrap(err, "insert import file")
}

// GetImportFile loads a file by id.
func (s *sqlStore) GetImportFile(ctx context.Context, id string) (*model.ImportFile, error) {
	var doc []byte
	err := s.db.queryRow(ctx, `SELECT doc FROM import_files WHERE id = ?`, id).Scan(&doc)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: import file %s", s.name, id)
	}
	if err != nil {
		return nil, s.wrap(err, "get import file")
	}
	var f model.ImportFile
	if err := unmarshalDoc(doc, &f); err != nil {
		return nil, s.wrap(err, "get import file")
	}
	return &f, nil
}

// UpdateImportFile overwrites the stored file.
func (s *sqlStore) UpdateImportFile(ctx context.Context, f *model.ImportFile) error {
	f.UpdatedAt = time.Now().UTC()
	doc, err := marshalDoc(f)
	if err != nil {
		return s.wrap(err, "update import file")
	}
	n, err := s.db.exec(ctx,
		`UPDATE import_files SET status = ?, content_hash = ?, doc = ?, updated_at = ? WHERE id = ?`,
		string(f.Status), f.ContentHash, doc, utc(f.UpdatedAt), f.ID,
	)
	if err != nil {
		return s.wrap(err, "update import file")
	}
	return s.checkAffected(n, "import file", f.ID)
}

// CreateImportJob inserts j at version 1.
func (s *sqlStore) CreateImportJob(ctx context.Context, j *model.ImportJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	j.Version = 1

	doc, err := marshalDoc(j)
	if err != nil {
		return s.wrap(err, "create import job")
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO import_jobs (id, import_file_id, dataset_id, stage, version, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ImportFileID, j.DatasetID, string(j.Stage), j.Version, doc, utc(j.CreatedAt), utc(j.UpdatedAt),
	)
	return s.wrap(err, "insert import job")
}

const jobColumns = `version, doc`

func scanJob(r row) (*model.ImportJob, error) {
	var version int64
	var doc []byte
	if err := r.Scan(&version, &doc); err != nil {
		return nil, err
	}
	var j model.ImportJob
	if err := unmarshalDoc(doc, &j); err != nil {
		return nil, err
	}
	j.Version = version
	return &j, nil
}

// GetImportJob loads a job by id.
func (s *sqlStore) GetImportJob(ctx context.Context, id string) (*model.ImportJob, error) {
	j, err := scanJob(s.db.queryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: import job %s", s.name, id)
	}
	if err != nil {
		return nil, s.wrap(err, "get import job")
	}
	return j, nil
}

// UpdateImportJob writes j if its version still matches the stored one, then
// bumps j.Version.
func (s *sqlStore) UpdateImportJob(ctx context.Context, j *model.ImportJob) error {
	prevVersion := j.Version
	prevUpdated := j.UpdatedAt
	j.Version = prevVersion + 1
	j.UpdatedAt = time.Now().UTC()

	doc, err := marshalDoc(j)
	if err != nil {
		j.Version, j.UpdatedAt = prevVersion, prevUpdated
		return s.wrap(err, "update import job")
	}
	n, err := s.db.exec(ctx,
		`UPDATE import_jobs SET dataset_id = ?, stage = ?, version = ?, doc = ?, updated_at = ? WHERE id = ? AND version = ?`,
		j.DatasetID, string(j.Stage), j.Version, doc, utc(j.UpdatedAt), j.ID, prevVersion,
	)
	if err != nil {
		j.Version, j.UpdatedAt = prevVersion, prevUpdated
		return s.wrap(err, "update import job")
	}
	if n == 1 {
		return nil
	}

	j.Version, j.UpdatedAt = prevVersion, prevUpdated
	var one int
	err = s.db.queryRow(ctx, `SELECT 1 FROM import_jobs WHERE id = ?`, j.ID).Scan(&one)
	if isNoRows(err) {
		return eris.Wrapf(ErrNotFound, "%s: import job %s", s.name, j.ID)
	}
	if err != nil {
		return s.wrap(err, "update import job")
	}
	return eris.Wrapf(ErrConflict, "%s: import job %s at version %d", s.name, j.ID, prevVersion)
}

// ListImportJobs returns the jobs of a file ordered by sheet.
func (s *sqlStore) ListImportJobs(ctx context.Context, fileID string) ([]model.ImportJob, error) {
	return s.listJobs(ctx, "list import jobs",
		`SELECT `+jobColumns+` FROM import_jobs WHERE import_file_id = ? ORDER BY created_at, id`, fileID)
}

// ListOpenImportJobs returns jobs that are neither terminal nor waiting for
// approval.
func (s *sqlStore) ListOpenImportJobs(ctx context.Context) ([]model.ImportJob, error) {
	return s.listJobs(ctx, "list open import jobs",
		`SELECT `+jobColumns+` FROM import_jobs WHERE stage NOT IN (?, ?, ?) ORDER BY updated_at`,
		string(model.StageCompleted), string(model.StageFailed), string(model.StageAwaitApproval))
}

func (s *sqlStore) listJobs(ctx context.Context, action, query string, args ...any) ([]model.ImportJob, error) {
	rs, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, s.wrap(err, action)
	}
	defer rs.Close()

	var jobs []model.ImportJob
	for rs.Next() {
		j, err := scanJob(rs)
		if err != nil {
			return nil, s.wrap(err, action)
		}
		jobs = append(jobs, *j)
	}
	return jobs, s.wrap(rs.Err(), action)
}

func (s *sqlStore) checkAffected(n int64, entity, id string) error {
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s: %s %s", s.name, entity, id)
	}
	return nil
}
