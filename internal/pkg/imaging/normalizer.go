package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

var (
	ErrEmptyImage    = errors.New("image is empty")
	ErrImageTooLarge = errors.New("image exceeds size limit")
	ErrInvalidImage  = errors.New("image could not be decoded")
)

// MaxFileSize bounds the decoded source image (10MB).
const MaxFileSize = 10 * 1024 * 1024

// Config for image normalisation
type Config struct {
	MaxSide int // longest side after fitting (default 2000)
	Quality int // JPEG quality 1-100 (default 85)
}

// DefaultConfig returns default normalisation config
func DefaultConfig() Config {
	return Config{MaxSide: 2000, Quality: 85}
}

// Image is a normalised JPEG ready to be sent to the generation provider.
type Image struct {
	Data   []byte
	Width  int
	Height int
}

// Base64 returns the JPEG bytes as standard base64.
func (i *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// Normalizer decodes client-supplied images and re-encodes them as bounded JPEGs.
type Normalizer struct {
	config Config
}

// NewNormalizer creates a normalizer; zero fields fall back to defaults.
func NewNormalizer(config Config) *Normalizer {
	def := DefaultConfig()
	if config.MaxSide <= 0 {
		config.MaxSide = def.MaxSide
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = def.Quality
	}
	return &Normalizer{config: config}
}

// NormalizeBase64 accepts raw base64 or a data URL.
func (n *Normalizer) NormalizeBase64(encoded string) (*Image, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ";base64,"); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+len(";base64,"):]
	}
	if encoded == "" {
		return nil, ErrEmptyImage
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxFileSize+3 {
		return nil, ErrImageTooLarge
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some clients strip padding.
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64", ErrInvalidImage)
		}
	}

	return n.Normalize(raw)
}

// Normalize fits the image inside MaxSide x MaxSide and re-encodes it as JPEG.
func (n *Normalizer) Normalize(raw []byte) (*Image, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyImage
	}
	if len(raw) > MaxFileSize {
		return nil, ErrImageTooLarge
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	b := img.Bounds()
	if b.Dx() > n.config.MaxSide || b.Dy() > n.config.MaxSide {
		img = imaging.Fit(img, n.config.MaxSide, n.config.MaxSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.config.Quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return &Image{
		Data:   buf.Bytes(),
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
	}, nil
}
