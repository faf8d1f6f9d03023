package transform

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeJPEG renders a solid-color source image of the given dimensions.
func encodeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := imaging.New(width, height, color.NRGBA{R: 120, G: 80, B: 40, A: 255})

	buf := bytes.NewBuffer(nil)
	require.NoError(t, imaging.Encode(buf, img, imaging.JPEG))

	return buf.Bytes()
}

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()

	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestTransform_MasterFitsBoundingBox(t *testing.T) {
	tr := New(Config{
		MaxWidth:  1920,
		MaxHeight: 1080,
		ThumbnailSizes: map[string]int{
			"small":  150,
			"medium": 300,
		},
	})

	res, err := tr.Transform(encodeJPEG(t, 4000, 3000))
	require.NoError(t, err)

	assert.Equal(t, 4000, res.Width)
	assert.Equal(t, 3000, res.Height)
	assert.Equal(t, "jpeg", res.Format)

	w, h := decodeDims(t, res.Master)
	assert.LessOrEqual(t, w, 1920)
	assert.LessOrEqual(t, h, 1080)

	// Aspect ratio preserved: 4:3 source within 1920x1080 lands on 1440x1080.
	assert.Equal(t, 1440, w)
	assert.Equal(t, 1080, h)
}

func TestTransform_MasterNeverUpscaled(t *testing.T) {
	tr := New(Config{MaxWidth: 1920, MaxHeight: 1080})

	res, err := tr.Transform(encodeJPEG(t, 640, 480))
	require.NoError(t, err)

	w, h := decodeDims(t, res.Master)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
}

func TestTransform_ThumbnailsExactSquares(t *testing.T) {
	tr := New(Config{
		ThumbnailSizes: map[string]int{
			"small":  150,
			"medium": 300,
			"large":  600,
		},
	})

	// Deliberately non-square source: the crop must still be exact.
	res, err := tr.Transform(encodeJPEG(t, 2000, 700))
	require.NoError(t, err)
	require.Len(t, res.Thumbnails, 3)

	for label, size := range map[string]int{"small": 150, "medium": 300, "large": 600} {
		w, h := decodeDims(t, res.Thumbnails[label])
		assert.Equal(t, size, w, "thumbnail %s width", label)
		assert.Equal(t, size, h, "thumbnail %s height", label)
	}
}

func TestTransform_Deterministic(t *testing.T) {
	tr := New(Config{ThumbnailSizes: map[string]int{"small": 150}})
	src := encodeJPEG(t, 800, 600)

	first, err := tr.Transform(src)
	require.NoError(t, err)
	second, err := tr.Transform(src)
	require.NoError(t, err)

	assert.Equal(t, first.Master, second.Master)
	assert.Equal(t, first.Thumbnails["small"], second.Thumbnails["small"])
}

func TestTransform_UnsupportedInput(t *testing.T) {
	tr := New(Config{})

	_, err := tr.Transform([]byte("definitely not an image"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{})

	assert.Equal(t, 1920, tr.cfg.MaxWidth)
	assert.Equal(t, 1080, tr.cfg.MaxHeight)
	assert.Equal(t, 85, tr.cfg.Quality)
	assert.Equal(t, 80, tr.cfg.ThumbnailQuality)
	assert.Len(t, tr.cfg.ThumbnailSizes, 3)
}
