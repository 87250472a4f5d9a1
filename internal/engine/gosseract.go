/**
 * Gosseract in-process engine
 *
 * OCR through the gosseract bindings for deployments that link libtesseract
 * directly and skip the subprocess round-trip. The engine mode is fixed at
 * the library default: gosseract initializes tesseract before any variable
 * can be applied, so Params.OEM is not honored here. Jobs that need a
 * specific engine mode use the subprocess engine.
 */

package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// GosseractEngine runs OCR in-process via gosseract.
type GosseractEngine struct {
	clientFactory func() *gosseract.Client
}

// NewGosseractEngine constructs the in-process engine.
func NewGosseractEngine() *GosseractEngine {
	return &GosseractEngine{clientFactory: gosseract.NewClient}
}

func (e *GosseractEngine) Name() string { return "gosseract" }

// Recognize performs OCR on a single page image. The underlying call is not
// interruptible; the caller's timeout abandons the result instead.
func (e *GosseractEngine) Recognize(ctx context.Context, png []byte, p Params) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	client := e.clientFactory()
	defer client.Close()

	if p.TessdataDir != "" {
		if err := client.SetTessdataPrefix(p.TessdataDir); err != nil {
			return "", fmt.Errorf("set tessdata prefix: %w", err)
		}
	}

	if err := client.SetImageFromBytes(png); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}

	if p.Language != "" {
		if err := client.SetLanguage(strings.Split(p.Language, "+")...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}

	if err := client.SetPageSegMode(gosseract.PageSegMode(p.PSM)); err != nil {
		return "", fmt.Errorf("set page segmentation mode: %w", err)
	}

	if p.DPI > 0 {
		if err := client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), strconv.Itoa(p.DPI)); err != nil {
			return "", fmt.Errorf("set dpi: %w", err)
		}
	}

	if p.PreserveLayout {
		hocr, err := client.HOCRText()
		if err != nil {
			return "", fmt.Errorf("recognize hOCR: %w", err)
		}
		return parseHOCR([]byte(hocr))
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}

	return strings.TrimSpace(text), nil
}
