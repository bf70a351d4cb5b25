package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// maxPixels guards against decompression bombs slipping past the upload cap.
const maxPixels = 80_000_000

// loadImage decodes any supported raster format and re-encodes it as a
// grayscale PNG, the one format every Tesseract build reads.
func loadImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("UnidentifiedImageError: cannot identify image file %q", path)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, fmt.Errorf("DecompressionBombError: image size (%d pixels) exceeds limit of %d pixels", cfg.Width*cfg.Height, maxPixels)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("rewind staged file: %w", err)
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s image: %w", format, err)
	}
	return toGrayPNG(img)
}

func toGrayPNG(img image.Image) ([]byte, error) {
	gray, ok := img.(*image.Gray)
	if !ok {
		gray = image.NewGray(img.Bounds())
		draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
