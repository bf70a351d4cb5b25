package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/tiff"
)

// ensureTesseractAvailable checks that the tesseract binary is reachable.
func ensureTesseractAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed in PATH")
	}
}

func textImage(text string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 240, 80))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 50),
	}
	d.DrawString(text)
	return img
}

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	path := filepath.Join(t.TempDir(), "abc_scan.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil {
		t.Fatalf("write png: %v", err)
	}
	return path
}

func TestLoadImageNormalisesToGrayPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, textImage("tiff"), nil); err != nil {
		t.Fatalf("encode tiff: %v", err)
	}
	path := filepath.Join(t.TempDir(), "abc_scan.tif")
	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil {
		t.Fatalf("write tiff: %v", err)
	}

	data, err := loadImage(path)
	if err != nil {
		t.Fatalf("loadImage() error = %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "png" {
		t.Fatalf("expected png output, got %s", format)
	}
	if _, ok := img.(*image.Gray); !ok {
		t.Fatalf("expected grayscale output, got %T", img)
	}
	if img.Bounds().Dx() != 240 || img.Bounds().Dy() != 80 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}
}

func TestLoadImageRejectsNonImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc_notes.txt")
	if err := os.WriteFile(path, []byte("just text"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := loadImage(path)
	if err == nil || !strings.HasPrefix(err.Error(), "UnidentifiedImageError") {
		t.Fatalf("expected UnidentifiedImageError, got %v", err)
	}

	if _, err := loadImage(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTesseractProcess(t *testing.T) {
	ensureTesseractAvailable(t)
	path := writePNG(t, textImage("Hello OCR"))

	raw, err := NewTesseract([]string{"eng"}).Process(context.Background(), path)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !strings.Contains(strings.ToLower(res.Text), "hello") {
		t.Fatalf("unexpected OCR output: %q", res.Text)
	}
	if res.File != "abc_scan.png" || res.Language != "eng" {
		t.Fatalf("unexpected result metadata: %+v", res)
	}
	if len(res.Words) == 0 || res.Confidence <= 0 {
		t.Fatalf("expected word boxes with confidence")
	}
}

func TestTesseractProcessHonoursCancelledContext(t *testing.T) {
	path := writePNG(t, textImage("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewTesseract(nil).Process(ctx, path); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTesseractProcessWithPageSegMode(t *testing.T) {
	ensureTesseractAvailable(t)
	path := writePNG(t, textImage("Hello OCR"))

	tess := NewTesseract([]string{"eng"}, WithVariable(PageSegModeVariable, "7"))
	if got := tess.variables[PageSegModeVariable]; got != "7" {
		t.Fatalf("variable not recorded: %q", got)
	}
	raw, err := tess.Process(context.Background(), path)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !strings.Contains(strings.ToLower(res.Text), "hello") {
		t.Fatalf("unexpected OCR output with single-line mode: %q", res.Text)
	}
}
