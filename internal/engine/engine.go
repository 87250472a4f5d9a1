/**
 * OCR engines for the PDF OCR worker
 *
 * A Params value carries the effective per-page parameters; the Engine
 * interface hides which backend recognizes the page. Engines receive the
 * resolved tessdata directory explicitly instead of reading process-wide
 * environment state, so concurrent jobs with different language sets are safe.
 */

package engine

import (
	"context"
)

// Params are the effective OCR parameters for one page.
type Params struct {
	// Language code, possibly "+"-joined ("chi_sim+eng") or the "auto"
	// sentinel handled by PageProcessor
	Language string

	OEM int // engine mode, 0-3
	PSM int // page segmentation mode, 0-13
	DPI int

	// Image preprocessing multipliers, centered at 1.0 (no change)
	Contrast   float64
	Brightness float64
	Sharpen    float64

	// Resolved language-data directory, threaded per job
	TessdataDir string

	// Reconstruct line layout from positional output instead of plain text
	PreserveLayout bool
}

// Engine recognizes text on a single rendered page image.
type Engine interface {
	// Name identifies the backend in logs and error context
	Name() string

	// Recognize runs OCR over a PNG-encoded page image. The image has
	// already been preprocessed; implementations must honor ctx for
	// cancellation where their backend allows it.
	Recognize(ctx context.Context, png []byte, p Params) (string, error)
}
