package fieldsync

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// imageTierSpec is the bounding box and JPEG quality for one tier.
type imageTierSpec struct {
	maxWidth  int
	maxHeight int
	quality   int
}

func tierSpec(tier ImageQualityTier) imageTierSpec {
	switch tier {
	case ImageQualityHigh:
		return imageTierSpec{1920, 1080, 90}
	case ImageQualityMedium:
		return imageTierSpec{1280, 720, 70}
	case ImageQualityLow:
		return imageTierSpec{854, 480, 50}
	case ImageQualityVeryLow:
		return imageTierSpec{640, 360, 30}
	default:
		return imageTierSpec{150, 150, 60}
	}
}

// ImageCompressionResult carries the re-encoded image and size telemetry.
type ImageCompressionResult struct {
	Compressed     []byte           `json:"-"`
	Thumbnail      []byte           `json:"-"`
	OriginalSize   int64            `json:"original_size"`
	CompressedSize int64            `json:"compressed_size"`
	ThumbnailSize  int64            `json:"thumbnail_size"`
	Ratio          float64          `json:"ratio"`
	QualityTier    ImageQualityTier `json:"quality_tier"`
	Width          int              `json:"width"`
	Height         int              `json:"height"`
}

// ImageCompressor resizes and re-encodes images for constrained links.
type ImageCompressor struct{}

// NewImageCompressor creates an image compressor.
func NewImageCompressor() *ImageCompressor {
	return &ImageCompressor{}
}

// CompressImage loads the image at path, fits it into the tier's bounding box
// (aspect preserved, never upscaled), and re-encodes it as JPEG at the tier's
// quality factor. When thumbnail is true an independent 150x150 rendition is
// produced from the original decode.
func (ic *ImageCompressor) CompressImage(path string, tier ImageQualityTier, thumbnail bool) (*ImageCompressionResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("stat image: %w", err)
	}

	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}

	spec := tierSpec(tier)
	resized := fitDown(src, spec.maxWidth, spec.maxHeight)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(spec.quality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	result := &ImageCompressionResult{
		Compressed:     buf.Bytes(),
		OriginalSize:   info.Size(),
		CompressedSize: int64(buf.Len()),
		QualityTier:    tier,
		Width:          resized.Bounds().Dx(),
		Height:         resized.Bounds().Dy(),
	}
	if result.CompressedSize > 0 {
		result.Ratio = float64(result.OriginalSize) / float64(result.CompressedSize)
	}

	if thumbnail {
		thumbSpec := tierSpec(ImageQualityThumbnail)
		thumb := fitDown(src, thumbSpec.maxWidth, thumbSpec.maxHeight)
		var tbuf bytes.Buffer
		if err := imaging.Encode(&tbuf, thumb, imaging.JPEG, imaging.JPEGQuality(thumbSpec.quality)); err != nil {
			return nil, fmt.Errorf("encode thumbnail: %w", err)
		}
		result.Thumbnail = tbuf.Bytes()
		result.ThumbnailSize = int64(tbuf.Len())
	}

	return result, nil
}

// CompressImageBytes is the in-memory variant of CompressImage.
func (ic *ImageCompressor) CompressImageBytes(data []byte, tier ImageQualityTier) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	spec := tierSpec(tier)
	resized := fitDown(src, spec.maxWidth, spec.maxHeight)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(spec.quality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// fitDown scales the image to fit the box while preserving aspect ratio.
// Images already inside the box are returned untouched.
func fitDown(src image.Image, maxWidth, maxHeight int) image.Image {
	b := src.Bounds()
	if b.Dx() <= maxWidth && b.Dy() <= maxHeight {
		return src
	}
	return imaging.Fit(src, maxWidth, maxHeight, imaging.Lanczos)
}
