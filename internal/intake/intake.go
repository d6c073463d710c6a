// Package intake stores incoming files and hands them to the pipeline.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/blob"
	"github.com/sells-group/eventimport/internal/config"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/store"
)

var (
	// ErrFileTooLarge is returned when an upload exceeds the size quota.
	ErrFileTooLarge = eris.New("intake: file exceeds size limit")
	// ErrInvalidUpload is returned when an upload lacks required fields.
	ErrInvalidUpload = eris.New("intake: invalid upload")
)

// Submitter starts processing a stored import file.
type Submitter interface {
	Submit(ctx context.Context, fileID string) error
}

// Upload is a file to import.
type Upload struct {
	Data        []byte
	FileName    string
	DisplayName string
	MimeType    string // declared by the client or source
	CatalogID   string
	DatasetID   string // optional target dataset
	MaxSize     int64  // tightens the configured quota when > 0
	Metadata    model.FileMetadata
}

// Service accepts uploads.
type Service struct {
	store   store.Store
	blobs   blob.Store
	submit  Submitter
	maxSize int64
	now     func() time.Time
	log     *zap.Logger
}

// New creates a Service.
func New(st store.Store, blobs blob.Store, submit Submitter, quotas config.QuotaConfig) *Service {
	return &Service{
		store:   st,
		blobs:   blobs,
		submit:  submit,
		maxSize: quotas.MaxFileSize,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "intake")),
	}
}

// Limit returns the size limit applied to an upload with the given
// override. Zero means unlimited.
func (s *Service) Limit(override int64) int64 {
	switch {
	case override <= 0:
		return s.maxSize
	case s.maxSize <= 0 || override < s.maxSize:
		return override
	default:
		return s.maxSize
	}
}

// Intake stores u, records a pending ImportFile and submits it.
func (s *Service) Intake(ctx context.Context, u Upload) (*model.ImportFile, error) {
	if u.CatalogID == "" {
		return nil, eris.Wrap(ErrInvalidUpload, "catalog id is required")
	}
	name := fileName(u.FileName)
	if name == "" {
		return nil, eris.Wrap(ErrInvalidUpload, "file name is required")
	}
	if limit := s.Limit(u.MaxSize); limit > 0 && int64(len(u.Data)) > limit {
		return nil, eris.Wrapf(ErrFileTooLarge, "%s is %s, limit is %s",
			name, humanize.IBytes(uint64(len(u.Data))), humanize.IBytes(uint64(limit)))
	}

	sum := sha256.Sum256(u.Data)
	detected := mimetype.Detect(u.Data).String()
	contentType := u.MimeType
	if contentType == "" {
		contentType = detected
	}

	id := uuid.NewString()
	key := "uploads/" + id + "/" + name
	if err := s.blobs.Put(ctx, key, u.Data, contentType); err != nil {
		return nil, eris.Wrap(err, "intake: store file")
	}

	meta := u.Metadata
	if u.DatasetID != "" {
		meta.TargetDatasetID = u.DatasetID
	}
	now := s.now().UTC()
	f := &model.ImportFile{
		ID:               id,
		CatalogID:        u.CatalogID,
		StorageKey:       key,
		OriginalName:     name,
		DisplayName:      u.DisplayName,
		DeclaredMimeType: u.MimeType,
		DetectedMimeType: detected,
		Size:             int64(len(u.Data)),
		ContentHash:      hex.EncodeToString(sum[:]),
		Status:           model.FileStatusPending,
		Metadata:         meta,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateImportFile(ctx, f); err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.log.Warn("intake: remove orphaned blob", zap.String("key", key), zap.Error(derr))
		}
		return nil, eris.Wrap(err, "intake: create import file")
	}

	s.log.Info("intake: file stored",
		zap.String("file_id", f.ID),
		zap.String("name", name),
		zap.String("size", humanize.IBytes(uint64(f.Size))),
		zap.String("detected_mime", detected),
	)

	if err := s.submit.Submit(ctx, f.ID); err != nil {
		return f, eris.Wrapf(err, "intake: submit %s", f.ID)
	}
	return f, nil
}

// fileName reduces a client-supplied name to its last path element.
func fileName(raw string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	switch name {
	case ".", "/", "..":
		return ""
	}
	return name
}
