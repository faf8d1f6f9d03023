package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

// ErrUnsupportedImage is returned when the input bytes cannot be decoded
// as an image in any supported format.
var ErrUnsupportedImage = errors.New("unsupported image data")

// Config holds the derived-asset generation parameters.
type Config struct {
	MaxWidth         int            // bounding box for the optimized master
	MaxHeight        int
	Quality          int            // JPEG quality for the master
	ThumbnailQuality int            // JPEG quality for thumbnails
	ThumbnailSizes   map[string]int // size label -> square pixel dimension

	// Optional branding overlay on the master. Both must be set to take
	// effect; the font is loaded from the given TTF path.
	WatermarkText string
	WatermarkFont string
}

// Result holds all derived assets produced from one source image.
type Result struct {
	Master     []byte            // optimized master copy, JPEG
	Width      int               // source pixel width
	Height     int               // source pixel height
	Format     string            // source format as reported by the decoder
	Thumbnails map[string][]byte // size label -> JPEG bytes, exact squares
}

// Transformer produces the optimized master copy and square thumbnails
// from raw image bytes. It performs no I/O and is deterministic for a
// given configuration.
type Transformer struct {
	cfg Config
}

// New creates a Transformer, filling in defaults for unset fields.
func New(cfg Config) *Transformer {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 1920
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 1080
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 85
	}
	if cfg.ThumbnailQuality <= 0 {
		cfg.ThumbnailQuality = 80
	}
	if len(cfg.ThumbnailSizes) == 0 {
		cfg.ThumbnailSizes = map[string]int{
			"small":  150,
			"medium": 300,
			"large":  600,
		}
	}

	return &Transformer{cfg: cfg}
}

// Transform decodes the source image and produces the master copy and
// all configured thumbnails.
func (t *Transformer) Transform(raw []byte) (*Result, error) {
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	bounds := src.Bounds()

	master, err := t.master(src)
	if err != nil {
		return nil, err
	}

	thumbs := make(map[string][]byte, len(t.cfg.ThumbnailSizes))
	for label, size := range t.cfg.ThumbnailSizes {
		// Scale and center-crop to an exact square.
		thumb := imaging.Thumbnail(src, size, size, imaging.Lanczos)

		buf := bytes.NewBuffer(nil)
		if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(t.cfg.ThumbnailQuality)); err != nil {
			return nil, fmt.Errorf("failed to encode %s thumbnail: %w", label, err)
		}

		thumbs[label] = buf.Bytes()
	}

	return &Result{
		Master:     master,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Format:     format,
		Thumbnails: thumbs,
	}, nil
}

// master resizes the source to fit the configured bounding box without
// upscaling and re-encodes it as JPEG.
func (t *Transformer) master(src image.Image) ([]byte, error) {
	resized := imaging.Fit(src, t.cfg.MaxWidth, t.cfg.MaxHeight, imaging.Lanczos)

	if t.cfg.WatermarkText != "" && t.cfg.WatermarkFont != "" {
		marked, err := t.watermark(resized)
		if err != nil {
			return nil, err
		}
		resized = marked
	}

	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, resized, imaging.JPEG, imaging.JPEGQuality(t.cfg.Quality)); err != nil {
		return nil, fmt.Errorf("failed to encode master image: %w", err)
	}

	return buf.Bytes(), nil
}

// watermark draws the configured text in the bottom-right corner.
func (t *Transformer) watermark(img *image.NRGBA) (*image.NRGBA, error) {
	dc := gg.NewContextForImage(img)
	dc.SetColor(color.White)

	fontSize := float64(dc.Width()) * 0.03
	if err := dc.LoadFontFace(t.cfg.WatermarkFont, fontSize); err != nil {
		return nil, fmt.Errorf("failed to load watermark font: %w", err)
	}

	tw, th := dc.MeasureString(t.cfg.WatermarkText)

	margin := 10.0
	x := float64(dc.Width()) - tw - margin
	y := float64(dc.Height()) - th - margin

	dc.DrawStringAnchored(t.cfg.WatermarkText, x, y, 1, 1)
	dc.Fill()

	return imaging.Clone(dc.Image()), nil
}
