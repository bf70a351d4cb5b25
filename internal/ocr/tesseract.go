// Package ocr turns staged documents into text using Tesseract.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Word is one recognised word with its confidence (0..1) and bounding box.
type Word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Box        [4]int  `json:"box"` // x, y, width, height
}

// Result is the JSON payload stored on a finished job.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words"`
	Language   string  `json:"language"`
	File       string  `json:"file"`
}

// Tesseract recognises text with a gosseract client per document.
type Tesseract struct {
	languages     []string
	variables     map[string]string
	clientFactory func() *gosseract.Client
}

type Option func(*Tesseract)

// PageSegModeVariable is the Tesseract variable behind the --psm flag.
const PageSegModeVariable = "tessedit_pageseg_mode"

// WithVariable sets a Tesseract variable on every client.
func WithVariable(key, value string) Option {
	return func(t *Tesseract) {
		t.variables[key] = value
	}
}

func NewTesseract(languages []string, opts ...Option) *Tesseract {
	t := &Tesseract{
		languages:     languages,
		variables:     make(map[string]string),
		clientFactory: gosseract.NewClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Process runs OCR on the file at path and returns the encoded Result.
func (t *Tesseract) Process(ctx context.Context, path string) (json.RawMessage, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := t.clientFactory()
	defer c.Close()
	if len(t.languages) > 0 {
		if err := c.SetLanguage(t.languages...); err != nil {
			return nil, fmt.Errorf("TesseractError: set languages: %w", err)
		}
	}
	for k, v := range t.variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return nil, fmt.Errorf("TesseractError: set variable %s: %w", k, err)
		}
	}
	if err := c.SetImageFromBytes(img); err != nil {
		return nil, fmt.Errorf("TesseractError: set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return nil, fmt.Errorf("TesseractError: recognize text: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words, conf := extractWords(c)
	res := Result{
		Text:       strings.TrimSpace(text),
		Confidence: conf,
		Words:      words,
		Language:   strings.Join(t.languages, "+"),
		File:       filepath.Base(path),
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode ocr result: %w", err)
	}
	return data, nil
}

func extractWords(c *gosseract.Client) ([]Word, float64) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return []Word{}, 0
	}
	words := make([]Word, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		conf := b.Confidence / 100.0
		sum += conf
		words = append(words, Word{
			Text:       b.Word,
			Confidence: conf,
			Box:        [4]int{b.Box.Min.X, b.Box.Min.Y, b.Box.Dx(), b.Box.Dy()},
		})
	}
	return words, sum / float64(len(words))
}
