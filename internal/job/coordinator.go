/**
 * Job coordinator for the PDF OCR worker
 *
 * Owns the full lifecycle of one OCR job: input validation, dependency
 * resolution, cache lookup, rasterization, the concurrent per-page OCR pool,
 * in-order aggregation and output persistence. The coordinator is the only
 * writer of job state and events; page workers never touch shared state.
 */

package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/alove77580/pdfocr/internal/cache"
	"github.com/alove77580/pdfocr/internal/config"
	"github.com/alove77580/pdfocr/internal/deps"
	"github.com/alove77580/pdfocr/internal/engine"
	ocrerrors "github.com/alove77580/pdfocr/internal/errors"
	"github.com/alove77580/pdfocr/internal/logging"
	"github.com/alove77580/pdfocr/internal/render"
)

// Resolver locates the external tools a job needs. *deps.Locator satisfies it.
type Resolver interface {
	Resolve() (*deps.Snapshot, []string)
	ResolvePoppler() (*deps.Snapshot, []string)
}

// Renderer rasterizes a PDF into per-page images.
type Renderer interface {
	Render(ctx context.Context, pdfPath string, dpi int) ([]render.Page, error)
}

// PageOCR recognizes the text on one page image.
type PageOCR interface {
	Name() string
	Process(ctx context.Context, png []byte, params engine.Params) (string, error)
}

// Coordinator runs OCR jobs. Construct it with NewCoordinator; the zero value
// is not usable.
type Coordinator struct {
	Logger *logging.Logger
	Cache  *cache.Store

	poolCeiling int
	pageTimeout time.Duration
	baidu       engine.BaiduCredentials

	newResolver  func(opts Options) Resolver
	newRenderer  func(snap *deps.Snapshot) Renderer
	newProcessor func(opts Options, snap *deps.Snapshot) PageOCR
}

// NewCoordinator wires a coordinator against the real locator, renderer and
// engines described by cfg.
func NewCoordinator(cfg *config.Config, logger *logging.Logger) *Coordinator {
	c := &Coordinator{
		Logger:      logger,
		Cache:       cache.NewStore(cfg.CacheDir),
		poolCeiling: cfg.PoolCeiling,
		pageTimeout: cfg.PageTimeout,
		baidu: engine.BaiduCredentials{
			AppID:     cfg.BaiduAppID,
			APIKey:    cfg.BaiduAPIKey,
			SecretKey: cfg.BaiduSecretKey,
		},
	}

	c.newResolver = func(opts Options) Resolver {
		return &deps.Locator{
			TesseractPath: cfg.TesseractPath,
			TessdataDir:   cfg.TessdataDir,
			PopplerDir:    cfg.PopplerPath,
			Languages:     []string{opts.Language},
		}
	}
	c.newRenderer = func(snap *deps.Snapshot) Renderer {
		return &render.PopplerRenderer{ToolDir: snap.PopplerDir, TempDir: cfg.TempDir}
	}
	c.newProcessor = func(opts Options, snap *deps.Snapshot) PageOCR {
		var eng engine.Engine
		switch opts.Source {
		case SourceGosseract:
			eng = engine.NewGosseractEngine()
		case SourceBaidu:
			eng = engine.NewBaiduEngine(c.baidu)
		default:
			eng = &engine.TesseractEngine{BinaryPath: snap.TesseractPath}
		}
		return &engine.PageProcessor{Engine: eng, Timeout: c.pageTimeout}
	}

	return c
}

// Handle tracks a submitted job. Events must be drained by the caller; the
// channel is closed when the job reaches a terminal state.
type Handle struct {
	ID     string
	Events <-chan Event

	done   chan struct{}
	result *Result
	err    error
}

// Wait blocks until the job is finished and returns its outcome.
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	return h.result, h.err
}

// Submit validates opts and starts a job for pdfPath. Cancelling ctx requests
// cooperative cancellation; the job stops at the next checkpoint.
func (c *Coordinator) Submit(ctx context.Context, pdfPath string, opts Options) (*Handle, error) {
	return c.SubmitWithID(ctx, uuid.New().String(), pdfPath, opts)
}

// SubmitWithID runs a job under a caller-assigned ID. Queue mode reuses the
// ID minted at enqueue time so the stored record and the event stream agree.
func (c *Coordinator) SubmitWithID(ctx context.Context, id, pdfPath string, opts Options) (*Handle, error) {
	if err := opts.Validate(); err != nil {
		return nil, ocrerrors.NewValidationError(id, pdfPath, err)
	}
	events := make(chan Event, 256)
	h := &Handle{ID: id, Events: events, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer close(events)
		h.result, h.err = c.run(ctx, id, pdfPath, opts, events)
	}()

	return h, nil
}

// Run executes a job synchronously, discarding its event stream.
func (c *Coordinator) Run(ctx context.Context, pdfPath string, opts Options) (*Result, error) {
	h, err := c.Submit(ctx, pdfPath, opts)
	if err != nil {
		return nil, err
	}
	for range h.Events {
	}
	return h.Wait()
}

func (c *Coordinator) run(ctx context.Context, id, pdfPath string, opts Options, events chan<- Event) (*Result, error) {
	start := time.Now()
	log := c.Logger.Sub("job " + shortID(id))

	emitState := func(s State) {
		events <- Event{Kind: EventState, JobID: id, Timestamp: time.Now(), State: s}
	}
	logf := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		log.Info(msg)
		events <- Event{Kind: EventLog, JobID: id, Timestamp: time.Now(), Message: msg}
	}
	progress := func(pct int) {
		events <- Event{Kind: EventProgress, JobID: id, Timestamp: time.Now(), Progress: pct}
	}
	fail := func(err error) (*Result, error) {
		state := StateFailed
		if ocrerrors.CodeOf(err) == ocrerrors.ErrorJobCancelled {
			state = StateCancelled
		}
		log.Error("Job ended", "state", state, "error", err)
		emitState(state)
		return nil, err
	}

	emitState(StateQueued)

	// Step 1: validate the input file
	emitState(StateValidating)
	logf("Step 1/6: Validating input file %s", pdfPath)

	absPath, err := filepath.Abs(pdfPath)
	if err != nil {
		return fail(ocrerrors.NewValidationError(id, pdfPath, err))
	}
	fi, err := validatePDF(absPath)
	if err != nil {
		return fail(ocrerrors.NewValidationError(id, pdfPath, err))
	}

	// Step 2: resolve external dependencies
	emitState(StateResolving)
	logf("Step 2/6: Resolving external dependencies (source: %s)", opts.Source)

	resolver := c.newResolver(opts)
	var snap *deps.Snapshot
	var missing []string
	if opts.Source == SourceBaidu {
		snap, missing = resolver.ResolvePoppler()
		if !c.baidu.Complete() {
			missing = append(missing, "baidu credentials not configured")
		}
	} else {
		snap, missing = resolver.Resolve()
	}
	if len(missing) > 0 {
		return fail(ocrerrors.NewDependencyError(id, missing))
	}

	// Cache lookup sits between resolution and rendering: a hit skips all of
	// the expensive stages but a broken environment still surfaces.
	key, err := cache.Key(absPath, fi.ModTime(), opts)
	if err != nil {
		return fail(ocrerrors.NewCacheError(id, "key derivation", err))
	}
	cached, hit, err := c.Cache.Get(key)
	if err != nil {
		return fail(ocrerrors.NewCacheError(id, "read", err))
	}
	if hit {
		logf("Cache hit, skipping render and OCR")
		progress(100)

		outPath := sidecarPath(absPath)
		if err := os.WriteFile(outPath, []byte(cached), 0o644); err != nil {
			return fail(ocrerrors.NewCacheError(id, "output write", err))
		}

		emitState(StateDone)
		logf("Job completed from cache in %v", time.Since(start).Round(time.Millisecond))
		return &Result{
			JobID:      id,
			Text:       cached,
			OutputPath: outPath,
			Stats:      computeStats(cached),
			FromCache:  true,
			DurationMS: time.Since(start).Milliseconds(),
		}, nil
	}

	// Step 3: rasterize
	emitState(StateRendering)
	logf("Step 3/6: Rendering PDF at %d DPI", opts.DPI)

	pages, err := c.newRenderer(snap).Render(ctx, absPath, opts.DPI)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ocrerrors.NewCancelledError(id, "rendering"))
		}
		return fail(ocrerrors.NewRenderError(id, err.Error(), err))
	}
	total := len(pages)
	logf("Rendered %d pages", total)

	// Step 4: concurrent per-page OCR
	emitState(StateProcessing)
	processor := c.newProcessor(opts, snap)
	workers := c.poolSize(total)
	logf("Step 4/6: Running OCR with %d workers (engine: %s)", workers, processor.Name())

	params := engine.Params{
		Language:       opts.Language,
		OEM:            opts.OEM,
		PSM:            opts.PSM,
		DPI:            opts.DPI,
		Contrast:       opts.Contrast,
		Brightness:     opts.Brightness,
		Sharpen:        opts.Sharpen,
		TessdataDir:    snap.TessdataDir,
		PreserveLayout: opts.PreserveLayout,
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	type pageResult struct {
		index int
		text  string
		err   error
	}
	tasks := make(chan render.Page)
	results := make(chan pageResult, total)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for page := range tasks {
				if runCtx.Err() != nil {
					return
				}
				text, perr := processor.Process(runCtx, page.PNG, params)
				if perr != nil {
					results <- pageResult{index: page.Index, err: ocrerrors.NewEngineError(id, page.Index+1, processor.Name(), perr)}
					continue
				}
				results <- pageResult{index: page.Index, text: text}
			}
		}()
	}

	// Cancellation checkpoint: before each page dispatch
	go func() {
		defer close(tasks)
		for _, page := range pages {
			select {
			case <-runCtx.Done():
				return
			case tasks <- page:
			}
		}
	}()

	texts := make([]string, total)
	completed := 0
	var jobErr error
	// Cancellation checkpoint: before consuming each page result
	for i := 0; i < total && jobErr == nil; i++ {
		select {
		case <-ctx.Done():
			jobErr = ocrerrors.NewCancelledError(id, "awaiting page results")
		case r := <-results:
			if r.err != nil {
				// Fail fast: the first page error sinks the job
				jobErr = r.err
				continue
			}
			texts[r.index] = r.text
			completed++
			// Truncating division: the percentage reaches 100 only once every
			// page has completed
			progress(completed * 100 / total)
			logf("Page %d/%d complete", completed, total)
		}
	}
	cancelRun()
	wg.Wait()

	if jobErr != nil {
		if ctx.Err() != nil {
			// A cancelled run can surface as a page error; cancellation wins
			jobErr = ocrerrors.NewCancelledError(id, "page processing")
		}
		return fail(jobErr)
	}

	// Step 5: in-order aggregation
	emitState(StateAggregating)
	logf("Step 5/6: Aggregating %d pages", total)

	var b strings.Builder
	for i, text := range texts {
		fmt.Fprintf(&b, "=== Page %d ===\n%s\n\n", i+1, text)
	}
	text := strings.TrimRight(b.String(), "\n") + "\n"
	stats := computeStats(text)

	// Step 6: persist cache entry and sidecar output
	logf("Step 6/6: Writing cache entry and output file")
	if err := c.Cache.Put(key, text); err != nil {
		return fail(ocrerrors.NewCacheError(id, "write", err))
	}
	outPath := sidecarPath(absPath)
	if err := os.WriteFile(outPath, []byte(text), 0o644); err != nil {
		return fail(ocrerrors.NewCacheError(id, "output write", err))
	}

	emitState(StateDone)
	dur := time.Since(start)
	logf("Job completed in %v (%d pages, %d words, %d chars)",
		dur.Round(time.Millisecond), total, stats.Words, stats.Chars)

	return &Result{
		JobID:      id,
		Text:       text,
		OutputPath: outPath,
		Stats:      stats,
		FromCache:  false,
		DurationMS: dur.Milliseconds(),
	}, nil
}

// poolSize bounds the worker pool: twice the CPU count, capped by the
// configured ceiling and by the page count.
func (c *Coordinator) poolSize(pages int) int {
	n := 2 * runtime.GOMAXPROCS(0)
	ceiling := c.poolCeiling
	if ceiling <= 0 {
		ceiling = 16
	}
	if n > ceiling {
		n = ceiling
	}
	if n > pages {
		n = pages
	}
	if n < 1 {
		n = 1
	}
	return n
}

// validatePDF checks that path names a readable, non-empty file starting with
// the %PDF magic and returns its FileInfo.
func validatePDF(path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("not a regular file")
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("file is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, fmt.Errorf("read file header: %w", err)
	}
	if string(magic) != "%PDF" {
		return nil, fmt.Errorf("not a PDF file (missing %%PDF header)")
	}

	return fi, nil
}

// sidecarPath names the output text file written next to the input PDF.
func sidecarPath(pdfPath string) string {
	base := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	return filepath.Join(filepath.Dir(pdfPath), base+"_ocr.txt")
}

// computeStats counts pages, non-empty lines, whitespace-separated words and
// non-whitespace characters in aggregated text. Page header lines are counted
// as pages, not as text.
func computeStats(text string) Stats {
	var st Stats
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "=== Page ") && strings.HasSuffix(trimmed, "===") {
			st.PagesTotal++
			st.PagesProcessed++
			continue
		}
		st.Lines++
		st.Words += len(strings.Fields(trimmed))
		for _, r := range trimmed {
			if !unicode.IsSpace(r) {
				st.Chars++
			}
		}
	}
	return st
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
