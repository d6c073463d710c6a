package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/model"
)

// CreateDataset inserts d, assigning an id when unset.
func (s *sqlStore) CreateDataset(ctx context.Context, d *model.Dataset) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	doc, err := marshalDoc(d)
	if err != nil {
		return s.wrap(err, "create dataset")
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO datasets (id, catalog_id, name, current_schema_version_id, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CatalogID, d.Name, d.CurrentSchemaVersionID, doc, utc(d.CreatedAt), utc(d.UpdatedAt),
	)
	return s.wrap(err, "insert dataset")
}

const datasetColumns = `current_schema_version_id, doc`

func scanDataset(r row) (*model.Dataset, error) {
	var current string
	var doc []byte
	if err := r.Scan(&current, &doc); err != nil {
		return nil, err
	}
	var d model.Dataset
	if err := unmarshalDoc(doc, &d); err != nil {
		return nil, err
	}
	d.CurrentSchemaVersionID = current
	return &d, nil
}

// GetDataset loads a dataset by id.
func (s *sqlStore) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	d, err := scanDataset(s.db.queryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: dataset %s", s.name, id)
	}
	if err != nil {
		return nil, s.wrap(err, "get dataset")
	}
	return d, nil
}

// FindDataset returns the oldest dataset in catalogID whose name matches
// exactly (case-sensitive).
func (s *sqlStore) FindDataset(ctx context.Context, catalogID, name string) (*model.Dataset, error) {
	d, err := scanDataset(s.db.queryRow(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE catalog_id = ? AND name = ? ORDER BY created_at LIMIT 1`,
		catalogID, name,
	))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: dataset %q", s.name, name)
	}
	if err != nil {
		return nil, s.wrap(err, "find dataset")
	}
	return d, nil
}

// UpdateDataset overwrites the stored dataset configuration. The current
// schema version pointer only moves through PublishSchemaVersion.
func (s *sqlStore) UpdateDataset(ctx context.Context, d *model.Dataset) error {
	d.UpdatedAt = time.Now().UTC()
	doc, err := marshalDoc(d)
	if err != nil {
		return s.wrap(err, "update dataset")
	}
	n, err := s.db.exec(ctx,
		`UPDATE datasets SET name = ?, doc = ?, updated_at = ? WHERE id = ?`,
		d.Name, doc, utc(d.UpdatedAt), d.ID,
	)
	if err != nil {
		return s.wrap(err, "update dataset")
	}
	return s.checkAffected(n, "dataset", d.ID)
}

// CreateSchemaVersion inserts v as a draft with the next version number of
// its dataset.
func (s *sqlStore) CreateSchemaVersion(ctx context.Context, v *model.SchemaVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Status == "" {
		v.Status = model.SchemaVersionDraft
	}

	return s.wrap(s.db.inTx(ctx, func(q querier) error {
		var next int
		if err := q.queryRow(ctx,
			`SELECT COALESCE(MAX(version_number), 0) + 1 FROM schema_versions WHERE dataset_id = ?`,
			v.DatasetID,
		).Scan(&next); err != nil {
			return eris.Wrap(err, "next version number")
		}
		v.VersionNumber = next

		doc, err := marshalDoc(v)
		if err != nil {
			return err
		}
		_, err = q.exec(ctx,
			`INSERT INTO schema_versions (id, dataset_id, version_number, status, doc, created_at, published_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.DatasetID, v.VersionNumber, string(v.Status), doc, utc(v.CreatedAt), utcPtr(v.PublishedAt),
		)
		return eris.Wrap(err, "insert schema version")
	}), "create schema version")
}

const schemaVersionColumns = `status, doc`

func scanSchemaVersion(r row) (*model.SchemaVersion, error) {
	var status string
	var doc []byte
	if err := r.Scan(&status, &doc); err != nil {
		return nil, err
	}
	var v model.SchemaVersion
	if err := unmarshalDoc(doc, &v); err != nil {
		return nil, err
	}
	v.Status = model.SchemaVersionStatus(status)
	return &v, nil
}

// GetSchemaVersion loads a schema version by id.
func (s *sqlStore) GetSchemaVersion(ctx context.Context, id string) (*model.SchemaVersion, error) {
	v, err := scanSchemaVersion(s.db.queryRow(ctx, `SELECT `+schemaVersionColumns+` FROM schema_versions WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: schema version %s", s.name, id)
	}
	if err != nil {
		return nil, s.wrap(err, "get schema version")
	}
	return v, nil
}

// PublishedSchemaVersion returns the published version of a dataset, or
// ErrNotFound when the dataset has none yet.
func (s *sqlStore) PublishedSchemaVersion(ctx context.Context, datasetID string) (*model.SchemaVersion, error) {
	v, err := scanSchemaVersion(s.db.queryRow(ctx,
		`SELECT `+schemaVersionColumns+` FROM schema_versions WHERE dataset_id = ? AND status = ? ORDER BY version_number DESC LIMIT 1`,
		datasetID, string(model.SchemaVersionPublished),
	))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: published schema for dataset %s", s.name, datasetID)
	}
	if err != nil {
		return nil, s.wrap(err, "published schema version")
	}
	return v, nil
}

// PublishSchemaVersion promotes a version to published in one transaction:
// the previously published version and older drafts become superseded and
// the dataset points at the new version.
func (s *sqlStore) PublishSchemaVersion(ctx context.Context, id string, approval model.Approval, now time.Time) (*model.SchemaVersion, error) {
	now = now.UTC()
	var published *model.SchemaVersion
	err := s.db.inTx(ctx, func(q querier) error {
		v, err := scanSchemaVersion(q.queryRow(ctx, `SELECT `+schemaVersionColumns+` FROM schema_versions WHERE id = ?`, id))
		if isNoRows(err) {
			return eris.Wrapf(ErrNotFound, "schema version %s", id)
		}
		if err != nil {
			return eris.Wrap(err, "load schema version")
		}
		if v.Status == model.SchemaVersionSuperseded {
			return eris.Errorf("schema version %s is superseded", id)
		}

		if _, err := q.exec(ctx,
			`UPDATE schema_versions SET status = ? WHERE dataset_id = ? AND id <> ? AND (status = ? OR (status = ? AND version_number < ?))`,
			string(model.SchemaVersionSuperseded), v.DatasetID, v.ID,
			string(model.SchemaVersionPublished), string(model.SchemaVersionDraft), v.VersionNumber,
		); err != nil {
			return eris.Wrap(err, "supersede previous versions")
		}

		v.Status = model.SchemaVersionPublished
		v.Approval = approval
		v.PublishedAt = &now
		doc, err := marshalDoc(v)
		if err != nil {
			return err
		}
		if _, err := q.exec(ctx,
			`UPDATE schema_versions SET status = ?, doc = ?, published_at = ? WHERE id = ?`,
			string(v.Status), doc, now, v.ID,
		); err != nil {
			return eris.Wrap(err, "publish version")
		}

		n, err := q.exec(ctx,
			`UPDATE datasets SET current_schema_version_id = ?, updated_at = ? WHERE id = ?`,
			v.ID, now, v.DatasetID,
		)
		if err != nil {
			return eris.Wrap(err, "move dataset pointer")
		}
		if n == 0 {
			return eris.Wrapf(ErrNotFound, "dataset %s", v.DatasetID)
		}
		published = v
		return nil
	})
	if err != nil {
		return nil, s.wrap(err, "publish schema version")
	}
	return published, nil
}
