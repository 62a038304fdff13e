package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/plant-id/internal/inference"
	"github.com/example/plant-id/internal/logging"
)

// ErrNoImage is returned when a request carries no image payload.
var ErrNoImage = errors.New("no image file provided")

// Preprocessor bounds an image before coarse classification. It must not
// fail; unreadable input is returned unchanged.
type Preprocessor interface {
	Resize(image []byte) []byte
}

// ImageUpload is the image submitted with a single request.
type ImageUpload struct {
	Data      []byte
	MediaType string
	Filename  string
}

// Outcome is the result of a successful classification.
type Outcome struct {
	RequestID             string
	InitialClassification string
	// DetailedClassification is nil when the image is neither plant nor fungus.
	DetailedClassification *string
	Kind                   inference.Kind
}

// ClassificationUseCase runs the two-stage classification flow:
// coarse classification of a resized copy, then detailed identification of
// the original image when the label is plant or fungus.
type ClassificationUseCase struct {
	client       inference.Client
	preprocessor Preprocessor
	logger       *zap.Logger
}

// NewClassificationUseCase constructs a new use case instance.
func NewClassificationUseCase(client inference.Client, preprocessor Preprocessor, logger *zap.Logger) *ClassificationUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClassificationUseCase{
		client:       client,
		preprocessor: preprocessor,
		logger:       logger.Named("classification_usecase"),
	}
}

// ClassifyImage validates, resizes and classifies the upload, then asks for a
// detailed identification when applicable. Failures of either inference call
// fail the whole request; no partial outcome is returned.
func (uc *ClassificationUseCase) ClassifyImage(ctx context.Context, upload *ImageUpload) (*Outcome, error) {
	if upload == nil || len(upload.Data) == 0 {
		return nil, ErrNoImage
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify_image", requestID)

	mediaType := upload.MediaType
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(upload.Data)
	}

	original := upload.Data
	resized := uc.preprocessor.Resize(original)
	opLogger.Debug("image prepared",
		zap.String("media_type", mediaType),
		zap.Int("original_bytes", len(original)),
		zap.Int("resized_bytes", len(resized)),
	)

	initial, err := uc.client.Classify(ctx, base64.StdEncoding.EncodeToString(resized), mediaType)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("coarse classification failed", zap.Error(wrapped))
		return nil, wrapped
	}
	opLogger.Info("initial classification", zap.String("content", initial))

	outcome := &Outcome{
		RequestID:             requestID,
		InitialClassification: initial,
	}

	kind, ok := ResolveKind(initial)
	if !ok {
		return outcome, nil
	}

	// Identification uses the original bytes, not the resized copy.
	detailed, err := uc.client.Identify(ctx, base64.StdEncoding.EncodeToString(original), mediaType, kind)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.identify", requestID, err)
		opLogger.Error("detailed identification failed", zap.Error(wrapped), zap.String("kind", string(kind)))
		return nil, wrapped
	}
	opLogger.Info("detailed classification", zap.String("kind", string(kind)), zap.String("content", detailed))

	outcome.Kind = kind
	outcome.DetailedClassification = &detailed
	return outcome, nil
}

// ResolveKind maps a coarse classification text to the kind to identify.
// Matching is case-insensitive on substrings and "plant" wins when both
// words appear. ok is false for anything else.
func ResolveKind(classification string) (kind inference.Kind, ok bool) {
	lower := strings.ToLower(classification)
	switch {
	case strings.Contains(lower, string(inference.KindPlant)):
		return inference.KindPlant, true
	case strings.Contains(lower, string(inference.KindFungus)):
		return inference.KindFungus, true
	default:
		return "", false
	}
}
