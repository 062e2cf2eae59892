package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/events"
	"github.com/noah-isme/gema-assessment-api/internal/handler"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/router"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/workflow"
)

const (
	headerUser = "X-Test-User"
	headerRole = "X-Test-Role"
)

type identity struct {
	id   uint
	role string
}

var (
	admin     = identity{id: 1, role: "admin"}
	assessor  = identity{id: 100, role: "assessor"}
	moderator = identity{id: 200, role: "moderator"}
	verifier  = identity{id: 300, role: "verifier"}
)

func student(id uint) identity { return identity{id: id, role: "student"} }

type envelope[T any] struct {
	Success bool            `json:"success"`
	Data    T               `json:"data"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

type testApp struct {
	app      *fiber.App
	db       *gorm.DB
	storage  *memoryStorage
	clock    clockwork.FakeClock
	sessions service.TimedSessionService
}

// fakeJWT stands in for token verification; tests pick the caller per request.
func fakeJWT(c *fiber.Ctx) error {
	if raw := c.Get(headerUser); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fiber.ErrUnauthorized
		}
		c.Locals("user_id", uint(id))
		c.Locals("user_role", c.Get(headerRole))
	}
	return c.Next()
}

func newTestApp(t *testing.T) *testApp {
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

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)
	storage := &memoryStorage{objects: make(map[string][]byte)}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	assessmentRepo := repository.NewAssessmentRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	uploadRepo := repository.NewUploadRepository(db)

	engine := workflow.NewEngine(workflow.Options{}, time.Now)
	enrollments := service.NewCachedEnrollmentLookup(enrollmentRepo, nil, 0, logger)
	fileService := service.NewFileService(storage, uploadRepo, attemptRepo, 1, time.Minute, logger)
	attemptService := service.NewAttemptService(attemptRepo, assessmentRepo, fileService, engine, events.NopPublisher{}, validate, logger)
	assessmentService := service.NewAssessmentService(assessmentRepo, attemptRepo, enrollments, enrollmentRepo, validate, logger)
	sessions := service.NewTimedSessionService(assessmentRepo, attemptService, validate, service.TimedSessionConfig{
		TickInterval: time.Second,
		Clock:        clock,
	}, logger)
	t.Cleanup(sessions.Shutdown)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", AppEnv: "test", JWTSecret: "secret"}, router.Dependencies{
		AssessmentHandler: handler.NewAssessmentHandler(assessmentService, attemptService, logger),
		AttemptHandler:    handler.NewAttemptHandler(attemptService, logger),
		SessionHandler:    handler.NewSessionHandler(sessions, logger),
		FileHandler:       handler.NewFileHandler(fileService, logger),
		JWTMiddleware:     fakeJWT,
	})

	return &testApp{app: app, db: db, storage: storage, clock: clock, sessions: sessions}
}

func (a *testApp) do(t *testing.T, who identity, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(t, who, req)
}

func (a *testApp) upload(t *testing.T, who identity, path string, fields map[string]string, fileName string, content []byte) *http.Response {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if fileName != "" {
		part, err := writer.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return a.send(t, who, req)
}

func (a *testApp) send(t *testing.T, who identity, req *http.Request) *http.Response {
	t.Helper()
	if who.id != 0 {
		req.Header.Set(headerUser, strconv.FormatUint(uint64(who.id), 10))
		req.Header.Set(headerRole, who.role)
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func requireStatus(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	if resp.StatusCode != status {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", status, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
}

func apiPath(format string, args ...interface{}) string {
	return "/api/v1" + fmt.Sprintf(format, args...)
}

// memoryStorage keeps uploaded bytes in memory.
type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryStorage) Upload(_ context.Context, name, category string, reader io.Reader) (string, error) {
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
	return "https://files.example.com/" + reference + "?sig=test", time.Now().Add(ttl), nil
}
