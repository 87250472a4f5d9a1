/**
 * Tesseract subprocess engine
 *
 * Invokes the resolved tesseract binary with composed --oem/--psm flags and
 * the per-job tessdata directory. The default local engine: subprocess
 * invocation is the only way to honor per-job engine modes and to hard-kill a
 * pathological page at the timeout.
 */

package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// TesseractEngine runs OCR through the external tesseract binary.
type TesseractEngine struct {
	// BinaryPath is the resolved tesseract executable
	BinaryPath string
}

func (e *TesseractEngine) Name() string { return "tesseract" }

// Recognize feeds the page image to tesseract over stdin and reads the
// recognized text from stdout. ctx cancellation kills the subprocess.
func (e *TesseractEngine) Recognize(ctx context.Context, png []byte, p Params) (string, error) {
	args := []string{"stdin", "stdout",
		"-l", p.Language,
		"--oem", strconv.Itoa(p.OEM),
		"--psm", strconv.Itoa(p.PSM),
	}
	if p.TessdataDir != "" {
		args = append(args, "--tessdata-dir", p.TessdataDir)
	}
	if p.DPI > 0 {
		args = append(args, "--dpi", strconv.Itoa(p.DPI))
	}
	if p.PreserveLayout {
		args = append(args, "hocr")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.BinaryPath, args...)
	cmd.Stdin = bytes.NewReader(png)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("tesseract interrupted: %w", ctx.Err())
		}
		return "", fmt.Errorf("tesseract failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if p.PreserveLayout {
		return parseHOCR(stdout.Bytes())
	}

	return strings.TrimSpace(stdout.String()), nil
}
