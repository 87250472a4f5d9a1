/**
 * Dependency locator for the PDF OCR worker
 *
 * Resolves the tesseract binary, its tessdata directory and the poppler tool
 * directory, then verifies every data file and executable the run will need.
 * All missing items are accumulated into one report so the caller sees the
 * complete set of problems, not just the first. A snapshot is recomputed on
 * each check; installation paths can change between runs.
 */

package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Snapshot holds the resolved locations of the external tools. The tessdata
// directory rides here and is threaded into each OCR invocation explicitly;
// the locator never mutates process-wide environment state.
type Snapshot struct {
	TesseractPath string
	TessdataDir   string
	PopplerDir    string
}

// Locator resolves external dependencies. Zero-value fields fall back to the
// three-tier search (bundled path, PATH, known install directories).
type Locator struct {
	// Operator overrides, checked before any search tier
	TesseractPath string
	TessdataDir   string
	PopplerDir    string

	// Language codes whose traineddata files must exist
	Languages []string
}

// Windows build of tesseract loads these at runtime; a partial unzip is the
// most common broken install.
var requiredDLLs = []string{
	"libtesseract-5.dll",
	"libgcc_s_seh-1.dll",
	"libstdc++-6.dll",
	"libwinpthread-1.dll",
	"zlib1.dll",
	"libpng16-16.dll",
	"libjpeg-8.dll",
	"libtiff-6.dll",
	"libwebp-7.dll",
}

var popplerExecutables = []string{"pdfinfo", "pdftoppm"}

// Resolve locates all external dependencies and verifies their data files.
// The returned error list is empty on success; on failure it contains every
// missing item. The snapshot is best-effort when errors are present.
func (l *Locator) Resolve() (*Snapshot, []string) {
	var errs []string
	snap := &Snapshot{}

	snap.TesseractPath = l.findTesseract()
	if snap.TesseractPath == "" {
		errs = append(errs, "tesseract binary not found")
	} else {
		snap.TessdataDir = l.findTessdata(snap.TesseractPath)
		if snap.TessdataDir == "" {
			errs = append(errs, "tessdata directory not found")
		} else {
			for _, lang := range l.requiredLanguages() {
				name := lang + ".traineddata"
				if !fileExists(filepath.Join(snap.TessdataDir, name)) {
					errs = append(errs, fmt.Sprintf("language data file missing: %s", name))
				}
			}
		}

		if runtime.GOOS == "windows" {
			dir := filepath.Dir(snap.TesseractPath)
			for _, dll := range requiredDLLs {
				if !fileExists(filepath.Join(dir, dll)) {
					errs = append(errs, fmt.Sprintf("tesseract component missing: %s", dll))
				}
			}
		}
	}

	errs = l.resolvePoppler(snap, errs)

	return snap, errs
}

// ResolvePoppler verifies only the poppler toolchain. Remote OCR backends
// still rasterize locally but need neither tesseract nor its data files.
func (l *Locator) ResolvePoppler() (*Snapshot, []string) {
	snap := &Snapshot{}
	errs := l.resolvePoppler(snap, nil)
	return snap, errs
}

func (l *Locator) resolvePoppler(snap *Snapshot, errs []string) []string {
	snap.PopplerDir = l.findPoppler()
	if snap.PopplerDir == "" {
		errs = append(errs, "poppler not found")
		return errs
	}
	for _, tool := range popplerExecutables {
		if !fileExists(filepath.Join(snap.PopplerDir, exeName(tool))) {
			errs = append(errs, fmt.Sprintf("poppler component missing: %s", exeName(tool)))
		}
	}
	return errs
}

// requiredLanguages expands the configured codes into the set of traineddata
// files to verify. Multi-language strings are split on "+"; the auto-detect
// sentinel needs both languages the heuristic can try. The equation data file
// is always required.
func (l *Locator) requiredLanguages() []string {
	seen := map[string]bool{}
	var out []string
	add := func(code string) {
		if code != "" && !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}

	for _, lang := range l.Languages {
		if lang == "auto" {
			add("chi_sim")
			add("eng")
			continue
		}
		for _, code := range strings.Split(lang, "+") {
			add(code)
		}
	}
	add("equ")

	return out
}

func (l *Locator) findTesseract() string {
	if l.TesseractPath != "" {
		if fileExists(l.TesseractPath) {
			return l.TesseractPath
		}
		return ""
	}

	// Tier 1: bundled alongside the application
	if exe, err := os.Executable(); err == nil {
		bundled := filepath.Join(filepath.Dir(exe), "tesseract", exeName("tesseract"))
		if fileExists(bundled) {
			return bundled
		}
	}

	// Tier 2: PATH
	if path, err := exec.LookPath("tesseract"); err == nil {
		return path
	}

	// Tier 3: known install directories
	for _, path := range knownTesseractPaths() {
		if fileExists(path) {
			return path
		}
	}

	return ""
}

func (l *Locator) findTessdata(tesseractPath string) string {
	if l.TessdataDir != "" {
		if dirExists(l.TessdataDir) {
			return l.TessdataDir
		}
		return ""
	}

	// Tier 1: bundled alongside the application
	if exe, err := os.Executable(); err == nil {
		bundled := filepath.Join(filepath.Dir(exe), "tessdata")
		if dirExists(bundled) {
			return bundled
		}
	}

	// Tier 2: next to the resolved binary
	if tesseractPath != "" {
		dir := filepath.Join(filepath.Dir(tesseractPath), "tessdata")
		if dirExists(dir) {
			return dir
		}
	}

	// Tier 3: known install directories
	for _, dir := range knownTessdataPaths() {
		if dirExists(dir) {
			return dir
		}
	}

	return ""
}

func (l *Locator) findPoppler() string {
	if l.PopplerDir != "" {
		if dirExists(l.PopplerDir) {
			return l.PopplerDir
		}
		return ""
	}

	// Tier 1: bundled alongside the application
	if exe, err := os.Executable(); err == nil {
		bundled := filepath.Join(filepath.Dir(exe), "poppler")
		if dirExists(bundled) {
			return bundled
		}
	}

	// Tier 2a: environment override
	if dir := os.Getenv("POPPLER_HOME"); dir != "" && dirExists(dir) {
		return dir
	}

	// Tier 2b: PATH
	if path, err := exec.LookPath(exeName("pdftoppm")); err == nil {
		return filepath.Dir(path)
	}

	// Tier 3: known install directories
	for _, dir := range knownPopplerPaths() {
		if dirExists(dir) {
			return dir
		}
	}

	return ""
}

func knownTesseractPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`D:\Program Files\Tesseract-OCR\tesseract.exe`,
			`C:\Program Files\Tesseract-OCR\tesseract.exe`,
			`C:\Program Files (x86)\Tesseract-OCR\tesseract.exe`,
		}
	}
	return []string{
		"/usr/bin/tesseract",
		"/usr/local/bin/tesseract",
		"/opt/homebrew/bin/tesseract",
	}
}

func knownTessdataPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`D:\Program Files\Tesseract-OCR\tessdata`,
			`C:\Program Files\Tesseract-OCR\tessdata`,
			`C:\Program Files (x86)\Tesseract-OCR\tessdata`,
		}
	}
	return []string{
		"/usr/share/tesseract-ocr/5/tessdata",
		"/usr/share/tesseract-ocr/4.00/tessdata",
		"/usr/share/tessdata",
		"/usr/local/share/tessdata",
		"/opt/homebrew/share/tessdata",
	}
}

func knownPopplerPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`D:\Program Files\poppler-24.08.0\Library\bin`,
			`C:\Program Files\poppler-24.08.0\Library\bin`,
			`C:\Program Files (x86)\poppler-24.08.0\Library\bin`,
			`D:\Program Files\poppler\bin`,
			`C:\Program Files\poppler\bin`,
			`C:\Program Files (x86)\poppler\bin`,
		}
	}
	return []string{
		"/usr/bin",
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
}

func exeName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
