/**
 * Poppler rasterizer wrapper
 *
 * Renders a PDF to one PNG image per page by invoking pdftoppm from the
 * resolved poppler directory. Rendering is a single external invocation
 * regardless of worker pool size: pdftoppm gains nothing from intra-document
 * parallelism and concurrent invocations on the same file are not safe.
 */

package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// Page is one rendered page image.
type Page struct {
	Index int // 0-based, stable across reordering
	PNG   []byte
}

// PopplerRenderer renders PDFs with the pdftoppm/pdfinfo pair.
type PopplerRenderer struct {
	ToolDir string // resolved poppler directory
	TempDir string // parent for per-render scratch directories
}

// PageCount reads the page count via pdfinfo.
func (r *PopplerRenderer) PageCount(ctx context.Context, pdfPath string) (int, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.tool("pdfinfo"), pdfPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("pdfinfo failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	for _, line := range strings.Split(stdout.String(), "\n") {
		if !strings.HasPrefix(line, "Pages:") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Pages:")))
		if err != nil {
			return 0, fmt.Errorf("pdfinfo reported unparseable page count: %q", line)
		}
		return n, nil
	}

	return 0, fmt.Errorf("pdfinfo output contains no page count")
}

// Render rasterizes every page of pdfPath at the given DPI and returns the
// pages in ascending index order. Partial output from a failed run is
// discarded with the scratch directory.
func (r *PopplerRenderer) Render(ctx context.Context, pdfPath string, dpi int) ([]Page, error) {
	scratch, err := os.MkdirTemp(r.tempDir(), "pdfocr-render-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	prefix := filepath.Join(scratch, "page")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.tool("pdftoppm"),
		"-png",
		"-r", strconv.Itoa(dpi),
		pdfPath,
		prefix,
	)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("collect rendered pages: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages: %s", strings.TrimSpace(stderr.String()))
	}

	pages := make([]Page, 0, len(matches))
	for _, path := range matches {
		idx, err := pageIndex(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rendered page: %w", err)
		}
		pages = append(pages, Page{Index: idx, PNG: data})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })

	return pages, nil
}

// pageIndex parses the 0-based index from a pdftoppm output name such as
// page-07.png (pdftoppm numbers pages from 1, zero-padded by page count).
func pageIndex(path string) (int, error) {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	dash := strings.LastIndex(base, "-")
	if dash < 0 {
		return 0, fmt.Errorf("unexpected pdftoppm output name: %s", path)
	}
	n, err := strconv.Atoi(base[dash+1:])
	if err != nil {
		return 0, fmt.Errorf("unexpected pdftoppm output name: %s", path)
	}
	return n - 1, nil
}

func (r *PopplerRenderer) tool(name string) string {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(r.ToolDir, name)
}

func (r *PopplerRenderer) tempDir() string {
	if r.TempDir != "" {
		return r.TempDir
	}
	return os.TempDir()
}
