package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/database"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/obs"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/uploads"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testFrontendURL = "http://localhost:5173"
	testAdminEmail  = "admin@waroeng.test"
)

// pngHeader is enough for content sniffing to classify a payload as image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type testServer struct {
	handler    http.Handler
	db         *gorm.DB
	accounts   *accounts.Service
	catalog    *catalog.Service
	uploads    *uploads.Storage
	realtime   *RealtimeDispatcher
	metrics    *obs.Metrics
	oauthState *auth.OAuthStateCodec
}

func newTestServer(t *testing.T, mutate func(*Dependencies)) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(database.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store, err := accounts.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build account store: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "waroeng-api",
		Audience:      "waroeng-app",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Store:       store,
		Hasher:      auth.NewPasswordHasher(auth.PasswordHasherConfig{Cost: bcrypt.MinCost}),
		Sessions:    issuer,
		AdminEmails: []string{testAdminEmail},
	})
	if err != nil {
		t.Fatalf("failed to build account service: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	catalogService, err := catalog.NewService(catalog.ServiceConfig{Database: db, Publisher: dispatcher})
	if err != nil {
		t.Fatalf("failed to build catalog service: %v", err)
	}
	storage, err := uploads.NewStorage(uploads.Config{Directory: filepath.Join(t.TempDir(), "uploads"), MaxBytes: 4096})
	if err != nil {
		t.Fatalf("failed to build upload storage: %v", err)
	}
	stateCodec, err := auth.NewOAuthStateCodec([]byte("server-test-secret"), nil)
	if err != nil {
		t.Fatalf("failed to build oauth state codec: %v", err)
	}
	metrics := obs.NewMetrics()

	deps := Dependencies{
		Accounts:    accountService,
		Catalog:     catalogService,
		Uploads:     storage,
		OAuthState:  stateCodec,
		Realtime:    dispatcher,
		Metrics:     metrics,
		FrontendURL: testFrontendURL,
		Logger:      zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testServer{
		handler:    handler,
		db:         db,
		accounts:   accountService,
		catalog:    catalogService,
		uploads:    storage,
		realtime:   dispatcher,
		metrics:    metrics,
		oauthState: stateCodec,
	}
}

func (s testServer) do(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s testServer) postJSON(t *testing.T, path string, payload interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return s.do(t, request)
}

func (s testServer) get(t *testing.T, path string, token string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return s.do(t, request)
}

// register signs up an account over HTTP and returns its session token and summary.
func (s testServer) register(t *testing.T, name, email string) (string, accounts.Summary) {
	t.Helper()
	recorder := s.postJSON(t, "/api/auth/register", map[string]string{
		"name":     name,
		"email":    email,
		"password": "secret-password",
	}, "")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("registration failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload sessionResponsePayload
	decodeJSON(t, recorder, &payload)
	return payload.Token, payload.User
}

type multipartForm struct {
	fields map[string][]string
	image  []byte
}

func (form multipartForm) request(t *testing.T, method, path, token string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, values := range form.fields {
		for _, value := range values {
			if err := writer.WriteField(key, value); err != nil {
				t.Fatalf("failed to write field: %v", err)
			}
		}
	}
	if form.image != nil {
		part, err := writer.CreateFormFile(imageFormField, "upload.png")
		if err != nil {
			t.Fatalf("failed to create file part: %v", err)
		}
		if _, err := part.Write(form.image); err != nil {
			t.Fatalf("failed to write file part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return request
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func messageOf(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Message string `json:"message"`
	}
	decodeJSON(t, recorder, &payload)
	return payload.Message
}

type stubGoogleProvider struct {
	profile      auth.Profile
	exchangeErr  error
	lastCode     string
	lastVerifier string
}

func (p *stubGoogleProvider) BeginAuthorization(state, verifier string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + state + "&challenge_for=" + verifier
}

func (p *stubGoogleProvider) ExchangeCode(_ context.Context, code, verifier string) (auth.Profile, error) {
	p.lastCode = code
	p.lastVerifier = verifier
	if p.exchangeErr != nil {
		return auth.Profile{}, p.exchangeErr
	}
	return p.profile, nil
}

type stubGoogleVerifier struct {
	claims auth.GoogleClaims
	err    error
}

func (v stubGoogleVerifier) Verify(context.Context, string) (auth.GoogleClaims, error) {
	return v.claims, v.err
}

type stubAccountService struct {
	verifyErr error
	summary   accounts.Summary
}

func (s stubAccountService) RegisterLocal(context.Context, string, string, string) (accounts.Session, error) {
	return accounts.Session{}, accounts.ErrConfig
}

func (s stubAccountService) LoginLocal(context.Context, string, string) (accounts.Session, error) {
	return accounts.Session{}, accounts.ErrConfig
}

func (s stubAccountService) ResolveFederated(context.Context, auth.Profile) (accounts.Session, error) {
	return accounts.Session{}, accounts.ErrConfig
}

func (s stubAccountService) VerifySession(context.Context, string) (accounts.Summary, error) {
	return s.summary, s.verifyErr
}

func uintString(value uint) string {
	return strconv.FormatUint(uint64(value), 10)
}
