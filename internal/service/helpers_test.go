package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/workflow"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Assessment{},
		&models.Attempt{},
		&models.AttemptStatusHistory{},
		&models.Enrollment{},
		&models.UploadRecord{},
	))
	return db
}

// memoryStorage keeps uploaded bytes in memory.
type memoryStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: make(map[string][]byte)}
}

func (m *memoryStorage) Upload(_ context.Context, name, category string, reader io.Reader) (string, error) {
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	reference := fmt.Sprintf("raw/%s/%s", category, name)
	m.objects[reference] = payload
	return reference, nil
}

func (m *memoryStorage) SignedURL(_ context.Context, reference string, ttl time.Duration) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[reference]; !ok {
		return "", time.Time{}, errors.New("object missing")
	}
	return "https://files.example.com/" + reference + "?sig=test", time.Now().Add(ttl), nil
}

func (m *memoryStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type attemptFixture struct {
	db          *gorm.DB
	assessments repository.AssessmentRepository
	attempts    repository.AttemptRepository
	storage     *memoryStorage
	files       FileService
	service     AttemptService
}

func newAttemptFixture(t *testing.T, opts workflow.Options) attemptFixture {
	t.Helper()
	db := setupServiceDB(t)
	storage := newMemoryStorage()
	assessments := repository.NewAssessmentRepository(db)
	attempts := repository.NewAttemptRepository(db)
	files := NewFileService(storage, repository.NewUploadRepository(db), attempts, 5, time.Minute, testLogger())

	svc := NewAttemptService(attempts, assessments, files, workflow.NewEngine(opts, time.Now), nil, testValidator(), testLogger())
	return attemptFixture{db: db, assessments: assessments, attempts: attempts, storage: storage, files: files, service: svc}
}

func seedMCQAssessment(t *testing.T, db *gorm.DB, items int, totalMarks float64) models.Assessment {
	t.Helper()
	body := models.AssessmentBody{}
	for i := 1; i <= items; i++ {
		item, err := models.NewMCQItem(fmt.Sprintf("q%d", i), fmt.Sprintf("Question %d", i), []string{"a", "b", "c"}, []string{"a"})
		require.NoError(t, err)
		body.MCQ = append(body.MCQ, item)
	}
	return seedAssessment(t, db, models.Assessment{
		CourseID:   1,
		SectionID:  1,
		Title:      "Quiz",
		Type:       models.AssessmentTypeMCQ,
		TotalMarks: totalMarks,
		Percentage: 10,
		Body:       datatypes.NewJSONType(body),
	})
}

func seedQNAAssessment(t *testing.T, db *gorm.DB, totalMarks float64) models.Assessment {
	t.Helper()
	return seedAssessment(t, db, models.Assessment{
		CourseID:     1,
		SectionID:    1,
		Title:        "Essay",
		Type:         models.AssessmentTypeQNA,
		TotalMarks:   totalMarks,
		Percentage:   20,
		IntervalDays: 14,
		Body: datatypes.NewJSONType(models.AssessmentBody{Questions: []models.QNAQuestion{
			{ID: "q1", Prompt: "Explain"},
			{ID: "q2", Prompt: "Compare"},
		}}),
	})
}

func seedAssessment(t *testing.T, db *gorm.DB, assessment models.Assessment) models.Assessment {
	t.Helper()
	require.NoError(t, db.Create(&assessment).Error)
	return assessment
}

func buildFileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {"form-data; name=\"file\"; filename=\"" + filename + "\""},
		"Content-Type":        {"application/octet-stream"},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader := multipart.NewReader(body, writer.Boundary())
	form, err := reader.ReadForm(int64(len(content)) + 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })

	files := form.File["file"]
	require.Len(t, files, 1)
	return files[0]
}

// upload stores a file the way the upload endpoint would and returns its reference.
func (fx attemptFixture) upload(t *testing.T, name string, category models.FileCategory, owner uint) string {
	t.Helper()
	stored, err := fx.files.Store(context.Background(), buildFileHeader(t, name, []byte("contents of "+name)), category, &owner)
	require.NoError(t, err)
	return stored.Reference
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
