package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/plant-id/internal/logging"
	"github.com/example/plant-id/internal/usecase"
)

// MaxUploadSize is the default upper bound on a classify request body.
const MaxUploadSize = 10 << 20

const (
	msgNoImage       = "No image file provided"
	msgProcessFailed = "Failed to process image or classify it"
	msgTooLarge      = "Image file too large"
)

// Classifier is the use case behind the classify endpoint.
type Classifier interface {
	ClassifyImage(ctx context.Context, upload *usecase.ImageUpload) (*usecase.Outcome, error)
}

// ClassificationResponse is the success body of the classify endpoint.
type ClassificationResponse struct {
	InitialClassification  string  `json:"initialClassification"`
	DetailedClassification *string `json:"detailedClassification"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Options tunes the registered routes.
type Options struct {
	// MaxUploadSize bounds the request body; zero selects MaxUploadSize.
	MaxUploadSize int64
	// Middlewares run before the classify handler only.
	Middlewares []gin.HandlerFunc
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router gin.IRouter, uc Classifier, logger *zap.Logger, opts Options) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = MaxUploadSize
	}
	h := &classifyHandler{uc: uc, logger: logger.Named("handlers"), maxUploadSize: opts.MaxUploadSize}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	chain := append(append([]gin.HandlerFunc{}, opts.Middlewares...), h.classify)
	router.POST("/api/classify-image", chain...)
}

type classifyHandler struct {
	uc            Classifier
	logger        *zap.Logger
	maxUploadSize int64
}

func (h *classifyHandler) classify(c *gin.Context) {
	if c.Request.ContentLength > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: msgTooLarge})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: msgTooLarge})
			return
		}
		h.respond(c, nil, usecase.ErrNoImage)
		return
	}

	src, err := file.Open()
	if err != nil {
		h.respond(c, nil, err)
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		h.respond(c, nil, err)
		return
	}

	outcome, err := h.uc.ClassifyImage(c.Request.Context(), &usecase.ImageUpload{
		Data:      data,
		MediaType: file.Header.Get("Content-Type"),
		Filename:  file.Filename,
	})
	h.respond(c, outcome, err)
}

func (h *classifyHandler) respond(c *gin.Context, outcome *usecase.Outcome, err error) {
	if requestID := requestIDOf(outcome, err); requestID != "" {
		c.Header("X-Request-ID", requestID)
	}

	status, body := AssembleResponse(outcome, err)
	if status == http.StatusInternalServerError {
		h.logFailure(err)
	}
	c.JSON(status, body)
}

// logFailure records a 500. Pipeline stages log their own cause, so only the
// stage is noted for those; anything failing before the use case is logged here.
func (h *classifyHandler) logFailure(err error) {
	if op := logging.OperationOf(err); op != "" {
		h.logger.Info("classification request failed",
			zap.String("operation", op),
			zap.String("request_id", requestIDOf(nil, err)),
		)
		return
	}
	h.logger.Error("error processing image upload", zap.Error(err))
}

// AssembleResponse maps a classification result onto the HTTP contract.
// Underlying error details never reach the body.
func AssembleResponse(outcome *usecase.Outcome, err error) (int, any) {
	switch {
	case errors.Is(err, usecase.ErrNoImage):
		return http.StatusBadRequest, ErrorResponse{Error: msgNoImage}
	case err != nil, outcome == nil:
		return http.StatusInternalServerError, ErrorResponse{Error: msgProcessFailed}
	default:
		return http.StatusOK, ClassificationResponse{
			InitialClassification:  outcome.InitialClassification,
			DetailedClassification: outcome.DetailedClassification,
		}
	}
}

func requestIDOf(outcome *usecase.Outcome, err error) string {
	if outcome != nil {
		return outcome.RequestID
	}
	var opErr *logging.OperationError
	if errors.As(err, &opErr) {
		return opErr.RequestID
	}
	return ""
}
