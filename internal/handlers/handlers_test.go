package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/plant-id/internal/auth"
	"github.com/example/plant-id/internal/imageprocessor"
	"github.com/example/plant-id/internal/inference"
	"github.com/example/plant-id/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubInference struct {
	classifyText  string
	classifyErr   error
	identifyText  string
	identifyErr   error
	identifyCalls int
}

func (s *stubInference) Classify(ctx context.Context, imageBase64, mediaType string) (string, error) {
	return s.classifyText, s.classifyErr
}

func (s *stubInference) Identify(ctx context.Context, imageBase64, mediaType string, kind inference.Kind) (string, error) {
	s.identifyCalls++
	return s.identifyText, s.identifyErr
}

func newRouter(client inference.Client, opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	uc := usecase.NewClassificationUseCase(client, imageprocessor.NewProcessor(imageprocessor.DefaultMaxDimension, nil), zap.NewNop())
	RegisterRoutes(router, uc, zap.NewNop(), opts)
	return router
}

func buildMultipartBody(t *testing.T, field, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func postClassify(router http.Handler, body *bytes.Buffer, contentType string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/classify-image", body)
	req.Header.Set("Content-Type", contentType)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, resp.Body.String())
	}
	return out
}

func TestClassifyImageScenario(t *testing.T) {
	const description = `{"common name": "Swiss cheese plant", "scientific name": "Monstera deliciosa", "wikipedia link": "https://en.wikipedia.org/wiki/Monstera_deliciosa", "basic information": "None"}`
	client := &stubInference{classifyText: "This looks like a plant.", identifyText: description}
	router := newRouter(client, Options{})

	body, contentType := buildMultipartBody(t, "image", "image/png", encodePNG(t, 1024, 768))
	resp := postClassify(router, body, contentType)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	got := decodeBody(t, resp)
	if got["initialClassification"] != "This looks like a plant." {
		t.Fatalf("unexpected initialClassification: %v", got["initialClassification"])
	}
	if got["detailedClassification"] != description {
		t.Fatalf("unexpected detailedClassification: %v", got["detailedClassification"])
	}
	if resp.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestClassifyImageReturnsNullDetailForOtherContent(t *testing.T) {
	client := &stubInference{classifyText: "else"}
	router := newRouter(client, Options{})

	body, contentType := buildMultipartBody(t, "image", "image/png", encodePNG(t, 10, 10))
	resp := postClassify(router, body, contentType)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	got := decodeBody(t, resp)
	detail, present := got["detailedClassification"]
	if !present || detail != nil {
		t.Fatalf("expected detailedClassification to be null, got %v (present=%t)", detail, present)
	}
	if client.identifyCalls != 0 {
		t.Fatalf("expected identify not to be called, got %d", client.identifyCalls)
	}
}

func TestClassifyImageRejectsMissingImage(t *testing.T) {
	router := newRouter(&stubInference{}, Options{})

	for _, field := range []string{"photo", ""} {
		var body *bytes.Buffer
		var contentType string
		if field == "" {
			body, contentType = bytes.NewBufferString("{}"), "application/json"
		} else {
			body, contentType = buildMultipartBody(t, field, "image/png", encodePNG(t, 4, 4))
		}

		resp := postClassify(router, body, contentType)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
		}
		if got := decodeBody(t, resp); len(got) != 1 || got["error"] != "No image file provided" {
			t.Fatalf("unexpected body: %v", got)
		}
	}
}

func TestClassifyImageRejectsEmptyImage(t *testing.T) {
	router := newRouter(&stubInference{}, Options{})

	body, contentType := buildMultipartBody(t, "image", "image/png", nil)
	resp := postClassify(router, body, contentType)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestClassifyImageHidesInferenceFailures(t *testing.T) {
	secret := "upstream said: invalid_api_key sk-live-123"
	cases := []*stubInference{
		{classifyErr: &inference.Error{Operation: "classify", Err: errors.New(secret)}},
		{classifyText: "fungus", identifyErr: &inference.Error{Operation: "identify", Err: errors.New(secret)}},
	}

	for _, client := range cases {
		router := newRouter(client, Options{})
		body, contentType := buildMultipartBody(t, "image", "image/jpeg", []byte("not really a jpeg"))
		resp := postClassify(router, body, contentType)

		if resp.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
		}
		if strings.Contains(resp.Body.String(), "sk-live") {
			t.Fatalf("error detail leaked: %s", resp.Body.String())
		}
		if got := decodeBody(t, resp); len(got) != 1 || got["error"] != "Failed to process image or classify it" {
			t.Fatalf("unexpected body: %v", got)
		}
	}
}

func TestClassifyImageRejectsLargeUpload(t *testing.T) {
	router := newRouter(&stubInference{classifyText: "else"}, Options{MaxUploadSize: 1024})

	body, contentType := buildMultipartBody(t, "image", "image/png", bytes.Repeat([]byte("a"), 2048))
	resp := postClassify(router, body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestClassifyImageHonoursAuthMiddleware(t *testing.T) {
	guard := auth.JWTMiddleware(auth.Config{Secret: testJWTSecret}, nil)
	router := newRouter(&stubInference{classifyText: "else"}, Options{Middlewares: []gin.HandlerFunc{guard}})

	body, contentType := buildMultipartBody(t, "image", "image/png", encodePNG(t, 4, 4))
	if resp := postClassify(router, body, contentType); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}

	token := buildTestToken(t, "user-123")
	body, contentType = buildMultipartBody(t, "image", "image/png", encodePNG(t, 4, 4))
	if resp := postClassify(router, body, contentType, "Authorization", "Bearer "+token); resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected health to stay public, got %d", health.Code)
	}
}

func TestAssembleResponse(t *testing.T) {
	detail := "details"
	status, body := AssembleResponse(&usecase.Outcome{InitialClassification: "plant", DetailedClassification: &detail}, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected status: %d", status)
	}
	resp, ok := body.(ClassificationResponse)
	if !ok || resp.DetailedClassification == nil || *resp.DetailedClassification != "details" {
		t.Fatalf("unexpected body: %#v", body)
	}

	if status, _ := AssembleResponse(nil, usecase.ErrNoImage); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for ErrNoImage, got %d", status)
	}
	if status, _ := AssembleResponse(nil, errors.New("boom")); status != http.StatusInternalServerError {
		t.Fatalf("expected 500 for failure, got %d", status)
	}
	if status, _ := AssembleResponse(nil, nil); status != http.StatusInternalServerError {
		t.Fatalf("expected 500 for missing outcome, got %d", status)
	}
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestClassifyImageLogsInferenceFailureOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	client := &stubInference{classifyText: "plant", identifyErr: &inference.Error{Operation: "identify", Err: errors.New("timeout")}}
	router := gin.New()
	uc := usecase.NewClassificationUseCase(client, imageprocessor.NewProcessor(imageprocessor.DefaultMaxDimension, nil), logger)
	RegisterRoutes(router, uc, logger, Options{})

	body, contentType := buildMultipartBody(t, "image", "image/png", encodePNG(t, 4, 4))
	resp := postClassify(router, body, contentType)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}

	errorsLogged := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	if len(errorsLogged) != 1 {
		t.Fatalf("expected exactly 1 error entry, got %d", len(errorsLogged))
	}
	summary := logs.FilterMessage("classification request failed").All()
	if len(summary) != 1 {
		t.Fatalf("expected 1 summary entry from the handler, got %d", len(summary))
	}
	fields := summary[0].ContextMap()
	if fields["operation"] != "usecase.identify" {
		t.Fatalf("unexpected operation field: %v", fields["operation"])
	}
	if fields["request_id"] != resp.Header().Get("X-Request-ID") || fields["request_id"] == "" {
		t.Fatalf("expected request id %q in summary, got %v", resp.Header().Get("X-Request-ID"), fields["request_id"])
	}
}
