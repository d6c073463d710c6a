package scheduler

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/eventimport/internal/model"
)

// Definition is a schedule as written in a schedules file.
type Definition struct {
	Name                string                `yaml:"name"`
	Enabled             *bool                 `yaml:"enabled"`
	CatalogID           string                `yaml:"catalog_id"`
	SourceURL           string                `yaml:"source_url"`
	Auth                model.AuthConfig      `yaml:"auth"`
	Cron                string                `yaml:"cron"`
	Frequency           model.Frequency       `yaml:"frequency"`
	MaxRetries          int                   `yaml:"max_retries"`
	RetryDelay          time.Duration         `yaml:"retry_delay"`
	Timeout             time.Duration         `yaml:"timeout"`
	MaxFileSize         string                `yaml:"max_file_size"` // e.g. "50 MB"
	ContentTypeOverride string                `yaml:"content_type_override"`
	SkipDuplicateCheck  bool                  `yaml:"skip_duplicate_check"`
	DatasetMapping      *model.DatasetMapping `yaml:"dataset_mapping"`
}

type definitionsFile struct {
	Schedules []Definition `yaml:"schedules"`
}

// LoadDefinitions parses a schedules file. Unknown keys are rejected.
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f definitionsFile
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "scheduler: parse schedules file")
	}
	return f.Schedules, nil
}

// Schedule validates d and converts it to a schedule definition.
func (d Definition) Schedule() (*model.ScheduledImport, error) {
	if d.Name == "" {
		return nil, eris.New("scheduler: schedule name is required")
	}
	if d.CatalogID == "" {
		return nil, eris.Errorf("scheduler: schedule %q: catalog_id is required", d.Name)
	}
	u, err := url.Parse(d.SourceURL)
	if err != nil || u.Host == "" {
		return nil, eris.Errorf("scheduler: schedule %q: invalid source_url %q", d.Name, d.SourceURL)
	}
	switch u.Scheme {
	case "http", "https", "ftp":
	default:
		return nil, eris.Errorf("scheduler: schedule %q: unsupported scheme %q", d.Name, u.Scheme)
	}
	switch d.Auth.Type {
	case "", model.AuthNone, model.AuthAPIKey, model.AuthBearer, model.AuthBasic:
	default:
		return nil, eris.Errorf("scheduler: schedule %q: unknown auth type %q", d.Name, d.Auth.Type)
	}
	if d.MaxRetries < 0 {
		return nil, eris.Errorf("scheduler: schedule %q: max_retries must be >= 0", d.Name)
	}

	var maxSize int64
	if d.MaxFileSize != "" {
		n, err := humanize.ParseBytes(d.MaxFileSize)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: schedule %q: max_file_size", d.Name)
		}
		maxSize = int64(n)
	}

	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	auth := d.Auth
	if auth.Type == "" {
		auth.Type = model.AuthNone
	}
	sch := &model.ScheduledImport{
		Name:                d.Name,
		Enabled:             enabled,
		CatalogID:           d.CatalogID,
		SourceURL:           d.SourceURL,
		Auth:                auth,
		Cron:                d.Cron,
		Frequency:           d.Frequency,
		MaxRetries:          d.MaxRetries,
		RetryDelay:          d.RetryDelay,
		Timeout:             d.Timeout,
		MaxFileSize:         maxSize,
		ContentTypeOverride: d.ContentTypeOverride,
		SkipDuplicateCheck:  d.SkipDuplicateCheck,
		DatasetMapping:      d.DatasetMapping,
	}
	if err := ValidateTiming(sch); err != nil {
		return nil, err
	}
	return sch, nil
}

// Apply upserts schedules by name. Every definition is validated before
// any is written. Run state of existing schedules is kept and their next
// run recomputed from the last one.
func (s *Scheduler) Apply(ctx context.Context, defs []Definition) ([]model.ScheduledImport, error) {
	schedules := make([]*model.ScheduledImport, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		sch, err := d.Schedule()
		if err != nil {
			return nil, err
		}
		if seen[sch.Name] {
			return nil, eris.Errorf("scheduler: duplicate schedule name %q", sch.Name)
		}
		seen[sch.Name] = true
		schedules = append(schedules, sch)
	}

	out := make([]model.ScheduledImport, 0, len(schedules))
	for _, sch := range schedules {
		if err := s.store.UpsertSchedule(ctx, sch); err != nil {
			return out, eris.Wrapf(err, "scheduler: apply %q", sch.Name)
		}
		if sch.LastRun != nil {
			next, err := NextRun(sch, *sch.LastRun)
			if err != nil {
				return out, err
			}
			sch.NextRun = &next
			if err := s.store.UpdateSchedule(ctx, sch); err != nil {
				return out, eris.Wrapf(err, "scheduler: apply %q", sch.Name)
			}
		}
		s.log.Info("scheduler: schedule applied",
			zap.String("schedule_id", sch.ID),
			zap.String("schedule", sch.Name),
			zap.Bool("enabled", sch.Enabled),
		)
		out = append(out, *sch)
	}
	return out, nil
}
