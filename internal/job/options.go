/**
 * Job options
 *
 * Typed per-job configuration validated once at submission. Every downstream
 * stage trusts a validated Options value and never re-checks ranges.
 */

package job

import "fmt"

// Source selects the OCR backend for a job.
type Source string

const (
	// SourceTesseract runs the tesseract binary per page (default).
	SourceTesseract Source = "tesseract"
	// SourceGosseract runs tesseract in-process through libtesseract.
	SourceGosseract Source = "gosseract"
	// SourceBaidu sends pages to the Baidu OCR REST API.
	SourceBaidu Source = "baidu"
)

// Options holds the per-job OCR configuration.
type Options struct {
	Language       string  `json:"language"`
	OEM            int     `json:"oem"`
	PSM            int     `json:"psm"`
	DPI            int     `json:"dpi"`
	Contrast       float64 `json:"contrast"`
	Brightness     float64 `json:"brightness"`
	Sharpen        float64 `json:"sharpen"`
	PreserveLayout bool    `json:"preserve_layout"`
	Source         Source  `json:"source"`
}

// DefaultOptions returns the baseline configuration: simplified Chinese with
// LSTM recognition, automatic page segmentation, 300 DPI rendering and
// neutral image preprocessing.
func DefaultOptions() Options {
	return Options{
		Language:   "chi_sim",
		OEM:        1,
		PSM:        3,
		DPI:        300,
		Contrast:   1.0,
		Brightness: 1.0,
		Sharpen:    1.0,
		Source:     SourceTesseract,
	}
}

// Validate checks every field against its legal range and returns the first
// violation found.
func (o Options) Validate() error {
	if o.Language == "" {
		return fmt.Errorf("language must not be empty")
	}
	if o.OEM < 0 || o.OEM > 3 {
		return fmt.Errorf("oem must be between 0 and 3, got %d", o.OEM)
	}
	if o.PSM < 0 || o.PSM > 13 {
		return fmt.Errorf("psm must be between 0 and 13, got %d", o.PSM)
	}
	if o.DPI < 100 || o.DPI > 1200 {
		return fmt.Errorf("dpi must be between 100 and 1200, got %d", o.DPI)
	}
	if o.Contrast < 0.0 || o.Contrast > 2.0 {
		return fmt.Errorf("contrast must be between 0.0 and 2.0, got %g", o.Contrast)
	}
	if o.Brightness < 0.0 || o.Brightness > 2.0 {
		return fmt.Errorf("brightness must be between 0.0 and 2.0, got %g", o.Brightness)
	}
	if o.Sharpen < 0.0 || o.Sharpen > 2.0 {
		return fmt.Errorf("sharpen must be between 0.0 and 2.0, got %g", o.Sharpen)
	}
	switch o.Source {
	case SourceTesseract, SourceGosseract, SourceBaidu:
	default:
		return fmt.Errorf("unknown OCR source %q", o.Source)
	}
	return nil
}
