// Package imageprocessor bounds uploaded images to a maximum size before
// they are sent for coarse classification.
//
// Resizing is fail-open: whenever the dimensions cannot be read or the image
// cannot be decoded or re-encoded, the original bytes are returned as-is.
package imageprocessor

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"

	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxDimension is the edge length of the bounding box images are fit into.
const DefaultMaxDimension = 512

// MaxInputPixels caps width*height of images that get decoded for resizing.
// Larger images are passed through unchanged.
const MaxInputPixels = 0x3FFF * 0x3FFF

const jpegQuality = 90

// Processor resizes images to fit inside a square bounding box.
type Processor struct {
	maxDimension   int
	maxInputPixels int64
	logger         *zap.Logger
}

// NewProcessor constructs a processor. A non-positive maxDimension selects
// DefaultMaxDimension; a nil logger disables logging.
func NewProcessor(maxDimension int, logger *zap.Logger) *Processor {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		maxDimension:   maxDimension,
		maxInputPixels: MaxInputPixels,
		logger:         logger.Named("imageprocessor"),
	}
}

// MaxDimension returns the bounding box edge length.
func (p *Processor) MaxDimension() int {
	return p.maxDimension
}

// Resize is Processor.Resize with DefaultMaxDimension and no logging.
func Resize(data []byte) []byte {
	return NewProcessor(DefaultMaxDimension, nil).Resize(data)
}

// Resize returns data scaled to fit inside the bounding box, re-encoded in
// its original container format. Images already within bounds are returned
// unchanged, byte for byte.
func (p *Processor) Resize(data []byte) []byte {
	p.logger.Debug("original image", zap.Int("bytes", len(data)))

	width, height, format, ok := Dimensions(data)
	if !ok {
		p.logger.Info("unable to read image dimensions, using original image")
		return data
	}
	p.logger.Debug("original dimensions",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.String("format", format),
	)

	if width <= p.maxDimension && height <= p.maxDimension {
		return data
	}
	if !canEncode(format) {
		p.logger.Info("no encoder for format, using original image", zap.String("format", format))
		return data
	}
	if pixels := int64(width) * int64(height); pixels > p.maxInputPixels {
		p.logger.Warn("image exceeds pixel limit, using original image",
			zap.Int64("pixels", pixels),
			zap.Int64("max_pixels", p.maxInputPixels),
		)
		return data
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		p.logger.Warn("decode failed, using original image", zap.Error(err), zap.String("format", format))
		return data
	}

	targetWidth, targetHeight := FitInside(width, height, p.maxDimension)
	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out, err := encode(dst, format)
	if err != nil {
		p.logger.Warn("re-encode failed, using original image", zap.Error(err), zap.String("format", format))
		return data
	}

	p.logger.Debug("resized image",
		zap.Int("bytes", len(out)),
		zap.Int("width", targetWidth),
		zap.Int("height", targetHeight),
	)
	return out
}

// Dimensions reads the width, height and registered format name of an
// encoded image without decoding its pixels.
func Dimensions(data []byte) (width, height int, format string, ok bool) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, "", false
	}
	return cfg.Width, cfg.Height, format, true
}

// FitInside scales width and height down to fit a max x max box while
// keeping the aspect ratio. Sizes already inside the box are returned
// unchanged; neither side drops below one pixel.
func FitInside(width, height, max int) (int, int) {
	if width <= max && height <= max {
		return width, height
	}
	scale := math.Min(float64(max)/float64(width), float64(max)/float64(height))
	w := clamp(int(math.Round(float64(width)*scale)), 1, max)
	h := clamp(int(math.Round(float64(height)*scale)), 1, max)
	return w, h
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func canEncode(format string) bool {
	switch format {
	case "jpeg", "png", "gif", "bmp", "tiff":
		return true
	}
	return false
}

func encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	case "bmp":
		err = bmp.Encode(&buf, img)
	case "tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return nil, fmt.Errorf("no encoder for format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
