package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
)

var (
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the MIME type is not permitted.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed")
	// ErrUploadScanFailed indicates validation of the file failed.
	ErrUploadScanFailed = errors.New("file scanning failed")
	// ErrFileRequired indicates the request carried no file.
	ErrFileRequired = errors.New("file is required")
	// ErrFileNotFound indicates the reference is unknown.
	ErrFileNotFound = errors.New("file not found")
)

// FileStorage is the binary storage collaborator. It returns opaque
// references and signs short-lived URLs for them.
type FileStorage interface {
	Upload(ctx context.Context, name, category string, reader io.Reader) (string, error)
	SignedURL(ctx context.Context, reference string, ttl time.Duration) (string, time.Time, error)
}

// FeedbackOwners reports whether a feedback file was ever attached to one of
// the student's attempts.
type FeedbackOwners interface {
	HasFeedbackFile(ctx context.Context, studentID uint, reference string) (bool, error)
}

// FileViewer is the caller asking for a signed URL. Students only see
// assessment files, their own uploads and feedback on their own attempts.
type FileViewer struct {
	UserID  uint
	Student bool
}

// FileService validates uploads, stores them and resolves references to URLs.
type FileService interface {
	Store(ctx context.Context, file *multipart.FileHeader, category models.FileCategory, uploadedBy *uint) (dto.FileUploadResponse, error)
	Claim(ctx context.Context, reference string, category models.FileCategory, owner uint) error
	ResolveURL(ctx context.Context, reference string, viewer FileViewer) (dto.SignedURLResponse, error)
}

type fileService struct {
	storage FileStorage
	repo    repository.UploadRepository
	owners  FeedbackOwners
	logger  zerolog.Logger
	maxSize int64
	urlTTL  time.Duration
	tracer  trace.Tracer
}

// NewFileService constructs a file service. Without owners students cannot
// resolve feedback files.
func NewFileService(storage FileStorage, repo repository.UploadRepository, owners FeedbackOwners, maxSizeMB int, urlTTL time.Duration, logger zerolog.Logger) FileService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &fileService{
		storage: storage,
		repo:    repo,
		owners:  owners,
		logger:  logger.With().Str("component", "file_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		urlTTL:  urlTTL,
		tracer:  otel.Tracer("github.com/noah-isme/gema-assessment-api/internal/service/file"),
	}
}

// categoryTypes lists the MIME types each file category accepts. Feedback
// is read inline by students, so archives are refused there.
var categoryTypes = map[models.FileCategory]map[string]struct{}{
	models.FileCategoryAssessment: mimeSet(documentTypes, archiveTypes, imageTypes, slideTypes),
	models.FileCategorySubmission: mimeSet(documentTypes, archiveTypes, imageTypes),
	models.FileCategoryFeedback:   mimeSet(documentTypes, imageTypes),
}

var (
	documentTypes = []string{"application/pdf", "text/plain", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"}
	archiveTypes  = []string{"application/zip"}
	imageTypes    = []string{"image/png", "image/jpeg"}
	slideTypes    = []string{"application/vnd.openxmlformats-officedocument.presentationml.presentation"}
)

func mimeSet(groups ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, group := range groups {
		for _, m := range group {
			set[m] = struct{}{}
		}
	}
	return set
}

func (s *fileService) Store(ctx context.Context, file *multipart.FileHeader, category models.FileCategory, uploadedBy *uint) (dto.FileUploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "file.store", trace.WithAttributes(
		attribute.Int64("upload.max_bytes", s.maxSize),
		attribute.String("upload.category", string(category)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		observability.UploadLatency().Observe(time.Since(start).Seconds())
	}()

	allowed, ok := categoryTypes[category]
	if !ok {
		return dto.FileUploadResponse{}, s.reject(span, "category", ErrUploadTypeNotAllowed)
	}
	if file == nil {
		return dto.FileUploadResponse{}, s.reject(span, "missing", ErrFileRequired)
	}
	span.SetAttributes(
		attribute.String("upload.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("upload.request_size", file.Size),
	)

	payload, err := s.read(file)
	if err != nil {
		if errors.Is(err, ErrUploadTooLarge) {
			return dto.FileUploadResponse{}, s.reject(span, "size", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return dto.FileUploadResponse{}, err
	}

	fileType := normalizeMime(mimetype.Detect(payload).String())
	span.SetAttributes(attribute.String("upload.detected_mime", fileType))
	if _, ok := allowed[fileType]; !ok {
		return dto.FileUploadResponse{}, s.reject(span, "type", ErrUploadTypeNotAllowed)
	}
	if fileType == "application/zip" {
		if err := s.scanArchive(payload); err != nil {
			return dto.FileUploadResponse{}, s.reject(span, "scan", err)
		}
	}

	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])
	name := sanitizeFileName(file.Filename, checksum)
	span.SetAttributes(
		attribute.String("upload.sanitized_name", name),
		attribute.Int64("upload.size_bytes", int64(len(payload))),
	)

	reference, err := s.storage.Upload(ctx, name, string(category), bytes.NewReader(payload))
	if err != nil {
		return dto.FileUploadResponse{}, s.reject(span, "storage", fmt.Errorf("%w: file storage: %v", ErrDependencyUnavailable, err))
	}

	record := models.UploadRecord{
		UploadedBy: uploadedBy,
		Category:   category,
		Reference:  reference,
		FileName:   name,
		MimeType:   fileType,
		SizeBytes:  int64(len(payload)),
		Checksum:   checksum,
	}
	if err := s.repo.Create(ctx, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		s.logger.Error().Err(err).Str("reference", reference).Msg("stored file has no upload record")
		return dto.FileUploadResponse{}, err
	}

	observability.UploadRequests().WithLabelValues(string(category), fileType).Inc()
	span.SetStatus(codes.Ok, "stored")
	s.logger.Info().Str("reference", reference).Str("category", string(category)).Msg("file stored")

	return dto.FileUploadResponse{
		Reference: record.Reference,
		Category:  string(record.Category),
		FileName:  record.FileName,
		MimeType:  record.MimeType,
		SizeBytes: record.SizeBytes,
		Checksum:  record.Checksum,
	}, nil
}

// read loads the upload, refusing anything past the size limit even when the
// multipart header under-reports it.
func (s *fileService) read(file *multipart.FileHeader) ([]byte, error) {
	if file.Size > s.maxSize {
		return nil, ErrUploadTooLarge
	}
	handle, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	payload, err := io.ReadAll(io.LimitReader(handle, s.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > s.maxSize {
		return nil, ErrUploadTooLarge
	}
	return payload, nil
}

func (s *fileService) reject(span trace.Span, reason string, err error) error {
	observability.UploadRejected().WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	return err
}

// Claim checks that reference names an upload of category made by owner.
// References that were never uploaded here, including raw URLs, are unknown.
func (s *fileService) Claim(ctx context.Context, reference string, category models.FileCategory, owner uint) error {
	ctx, span := s.tracer.Start(ctx, "file.claim", trace.WithAttributes(
		attribute.String("upload.category", string(category)),
	))
	defer span.End()

	record, err := s.lookup(ctx, span, reference)
	if err != nil {
		return err
	}
	if record.Category != category {
		s.logger.Warn().Str("reference", record.Reference).Str("category", string(record.Category)).Str("wanted", string(category)).Msg("file claimed under wrong category")
		return fmt.Errorf("%w: not a %s file", ErrFileNotFound, category)
	}
	if record.UploadedBy == nil || *record.UploadedBy != owner {
		s.logger.Warn().Str("reference", record.Reference).Uint("owner", owner).Msg("file claimed by another user")
		return fmt.Errorf("%w: file belongs to another user", ErrForbidden)
	}
	return nil
}

func (s *fileService) ResolveURL(ctx context.Context, reference string, viewer FileViewer) (dto.SignedURLResponse, error) {
	ctx, span := s.tracer.Start(ctx, "file.resolve_url")
	defer span.End()

	record, err := s.lookup(ctx, span, reference)
	if err != nil {
		return dto.SignedURLResponse{}, err
	}
	if viewer.Student {
		if err := s.visibleToStudent(ctx, record, viewer.UserID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "not visible")
			return dto.SignedURLResponse{}, err
		}
	}

	url, expiresAt, err := s.storage.SignedURL(ctx, record.Reference, s.urlTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign failed")
		return dto.SignedURLResponse{}, fmt.Errorf("%w: file storage: %v", ErrDependencyUnavailable, err)
	}

	return dto.SignedURLResponse{Reference: record.Reference, URL: url, ExpiresAt: expiresAt}, nil
}

func (s *fileService) lookup(ctx context.Context, span trace.Span, reference string) (models.UploadRecord, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return models.UploadRecord{}, ErrFileNotFound
	}
	record, err := s.repo.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.UploadRecord{}, ErrFileNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return models.UploadRecord{}, err
	}
	return record, nil
}

func (s *fileService) visibleToStudent(ctx context.Context, record models.UploadRecord, studentID uint) error {
	if record.Category == models.FileCategoryAssessment {
		return nil
	}
	if record.UploadedBy != nil && *record.UploadedBy == studentID {
		return nil
	}
	if record.Category == models.FileCategoryFeedback && s.owners != nil {
		attached, err := s.owners.HasFeedbackFile(ctx, studentID, record.Reference)
		if err != nil {
			return err
		}
		if attached {
			return nil
		}
	}
	return ErrForbidden
}

// scanArchive refuses zip files that are unreadable or expand past twenty
// times the upload limit.
func (s *fileService) scanArchive(payload []byte) error {
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return ErrUploadScanFailed
	}
	var expanded uint64
	for _, f := range reader.File {
		expanded += f.UncompressedSize64
		if expanded > uint64(s.maxSize*20) {
			return fmt.Errorf("zip archive expands too far: %w", ErrUploadScanFailed)
		}
	}
	return nil
}

// sanitizeFileName lowercases the name and keeps only [a-z0-9_-] in the base.
// Names with nothing usable fall back to a checksum prefix.
func sanitizeFileName(name, checksum string) string {
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = "upload-" + checksum[:12]
	}
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}

func normalizeMime(m string) string {
	lower := strings.ToLower(strings.TrimSpace(m))
	if idx := strings.Index(lower, ";"); idx >= 0 {
		lower = strings.TrimSpace(lower[:idx])
	}
	if lower == "application/x-zip-compressed" {
		return "application/zip"
	}
	return lower
}
