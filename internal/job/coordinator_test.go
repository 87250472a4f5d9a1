package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alove77580/pdfocr/internal/cache"
	"github.com/alove77580/pdfocr/internal/deps"
	"github.com/alove77580/pdfocr/internal/engine"
	ocrerrors "github.com/alove77580/pdfocr/internal/errors"
	"github.com/alove77580/pdfocr/internal/logging"
	"github.com/alove77580/pdfocr/internal/render"
)

type fakeResolver struct {
	snap    *deps.Snapshot
	missing []string

	fullCalls    int32
	popplerCalls int32
}

func (f *fakeResolver) Resolve() (*deps.Snapshot, []string) {
	atomic.AddInt32(&f.fullCalls, 1)
	return f.snap, f.missing
}

func (f *fakeResolver) ResolvePoppler() (*deps.Snapshot, []string) {
	atomic.AddInt32(&f.popplerCalls, 1)
	return f.snap, f.missing
}

type fakeRenderer struct {
	pages []render.Page
	err   error
	calls int32
}

func (f *fakeRenderer) Render(ctx context.Context, pdfPath string, dpi int) ([]render.Page, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type fakeProcessor struct {
	fn    func(ctx context.Context, index int) (string, error)
	calls int32

	mu   sync.Mutex
	seen []int
}

func (f *fakeProcessor) Name() string { return "fake" }

func (f *fakeProcessor) Process(ctx context.Context, png []byte, params engine.Params) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	index := pngIndex(png)
	f.mu.Lock()
	f.seen = append(f.seen, index)
	f.mu.Unlock()
	return f.fn(ctx, index)
}

// Page images in these tests are "img-<index>" markers instead of PNG data.
func fakePages(n int) []render.Page {
	pages := make([]render.Page, n)
	for i := range pages {
		pages[i] = render.Page{Index: i, PNG: []byte(fmt.Sprintf("img-%d", i))}
	}
	return pages
}

func pngIndex(png []byte) int {
	var i int
	fmt.Sscanf(string(png), "img-%d", &i)
	return i
}

// writePDF creates a minimal file passing the magic check.
func writePDF(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("%PDF-1.4\nfake body\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type testEnv struct {
	coordinator *Coordinator
	resolver    *fakeResolver
	renderer    *fakeRenderer
	processor   *fakeProcessor
}

func newTestEnv(t *testing.T, pages int, fn func(ctx context.Context, index int) (string, error)) *testEnv {
	t.Helper()
	env := &testEnv{
		resolver: &fakeResolver{snap: &deps.Snapshot{
			TesseractPath: "/usr/bin/tesseract",
			TessdataDir:   "/usr/share/tessdata",
			PopplerDir:    "/usr/bin",
		}},
		renderer:  &fakeRenderer{pages: fakePages(pages)},
		processor: &fakeProcessor{fn: fn},
	}

	c := &Coordinator{
		Logger:      logging.NewLoggerTo(io.Discard, "test"),
		Cache:       cache.NewStore(t.TempDir()),
		poolCeiling: 16,
		pageTimeout: time.Second,
	}
	c.newResolver = func(opts Options) Resolver { return env.resolver }
	c.newRenderer = func(snap *deps.Snapshot) Renderer { return env.renderer }
	c.newProcessor = func(opts Options, snap *deps.Snapshot) PageOCR { return env.processor }

	env.coordinator = c
	return env
}

func TestJobSuccessInOrderAggregation(t *testing.T) {
	// Later pages finish first; aggregation must still be in page order
	env := newTestEnv(t, 5, func(ctx context.Context, index int) (string, error) {
		time.Sleep(time.Duration(5-index) * 10 * time.Millisecond)
		return fmt.Sprintf("text-%d", index+1), nil
	})

	pdf := writePDF(t, "doc.pdf")
	result, err := env.coordinator.Run(context.Background(), pdf, DefaultOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "=== Page 1 ===\ntext-1\n\n" +
		"=== Page 2 ===\ntext-2\n\n" +
		"=== Page 3 ===\ntext-3\n\n" +
		"=== Page 4 ===\ntext-4\n\n" +
		"=== Page 5 ===\ntext-5\n"
	if result.Text != want {
		t.Errorf("aggregated text:\n%q\nwant:\n%q", result.Text, want)
	}

	if result.FromCache {
		t.Error("first run must not come from cache")
	}
	if result.Stats.PagesTotal != 5 || result.Stats.PagesProcessed != 5 {
		t.Errorf("stats = %+v", result.Stats)
	}
	if result.Stats.Lines != 5 || result.Stats.Words != 5 {
		t.Errorf("stats = %+v", result.Stats)
	}

	// Sidecar sits next to the input with the same content
	sidecar := strings.TrimSuffix(pdf, ".pdf") + "_ocr.txt"
	if result.OutputPath != sidecar {
		t.Errorf("OutputPath = %q, want %q", result.OutputPath, sidecar)
	}
	data, err := os.ReadFile(sidecar)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if string(data) != want {
		t.Errorf("sidecar content = %q", data)
	}
}

func TestJobEventStream(t *testing.T) {
	env := newTestEnv(t, 4, func(ctx context.Context, index int) (string, error) {
		return "x", nil
	})

	h, err := env.coordinator.Submit(context.Background(), writePDF(t, "doc.pdf"), DefaultOptions())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var states []State
	var progresses []int
	for ev := range h.Events {
		if ev.JobID != h.ID {
			t.Errorf("event JobID = %q, want %q", ev.JobID, h.ID)
		}
		switch ev.Kind {
		case EventState:
			states = append(states, ev.State)
		case EventProgress:
			progresses = append(progresses, ev.Progress)
		}
	}
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	wantStates := []State{StateQueued, StateValidating, StateResolving, StateRendering, StateProcessing, StateAggregating, StateDone}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i, s := range wantStates {
		if states[i] != s {
			t.Fatalf("states = %v, want %v", states, wantStates)
		}
	}

	if len(progresses) != 4 {
		t.Fatalf("progresses = %v, want 4 updates", progresses)
	}
	for i := 1; i < len(progresses); i++ {
		if progresses[i] < progresses[i-1] {
			t.Errorf("progress went backwards: %v", progresses)
		}
	}
	if progresses[len(progresses)-1] != 100 {
		t.Errorf("final progress = %d, want 100", progresses[len(progresses)-1])
	}
}

func TestJobProgressReachesHundredOnlyAtCompletion(t *testing.T) {
	// With many pages a rounded percentage would already show 100 at the
	// second-to-last page (249/250 rounds up); truncation must not.
	const pages = 250
	env := newTestEnv(t, pages, func(ctx context.Context, index int) (string, error) {
		return "x", nil
	})

	h, err := env.coordinator.Submit(context.Background(), writePDF(t, "doc.pdf"), DefaultOptions())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var progresses []int
	for ev := range h.Events {
		if ev.Kind == EventProgress {
			progresses = append(progresses, ev.Progress)
		}
	}
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(progresses) != pages {
		t.Fatalf("got %d progress updates, want %d", len(progresses), pages)
	}
	for i := 1; i < len(progresses); i++ {
		if progresses[i] < progresses[i-1] {
			t.Fatalf("progress went backwards: %d then %d", progresses[i-1], progresses[i])
		}
	}
	hundreds := 0
	for _, p := range progresses {
		if p == 100 {
			hundreds++
		}
	}
	if hundreds != 1 {
		t.Errorf("progress hit 100 %d times, want exactly once", hundreds)
	}
	if last := progresses[len(progresses)-1]; last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
	if beforeLast := progresses[len(progresses)-2]; beforeLast != 99 {
		t.Errorf("progress before the final page = %d, want 99", beforeLast)
	}
}

func TestJobFailFast(t *testing.T) {
	env := newTestEnv(t, 6, func(ctx context.Context, index int) (string, error) {
		if index == 2 {
			return "", fmt.Errorf("unreadable glyphs")
		}
		return "ok", nil
	})

	pdf := writePDF(t, "doc.pdf")
	_, err := env.coordinator.Run(context.Background(), pdf, DefaultOptions())
	if err == nil {
		t.Fatal("expected the job to fail")
	}
	if code := ocrerrors.CodeOf(err); code != ocrerrors.ErrorEngineFailed {
		t.Errorf("error code = %s, want %s", code, ocrerrors.ErrorEngineFailed)
	}
	if !strings.Contains(err.Error(), "page 3") {
		t.Errorf("err = %v, want the 1-based page number", err)
	}

	// No partial output of any kind
	sidecar := strings.TrimSuffix(pdf, ".pdf") + "_ocr.txt"
	if _, serr := os.Stat(sidecar); !os.IsNotExist(serr) {
		t.Error("failed job must not write a sidecar")
	}
	if size, _ := env.coordinator.Cache.Size(); size != 0 {
		t.Error("failed job must not write a cache entry")
	}
}

func TestJobFailureEmitsFailedState(t *testing.T) {
	env := newTestEnv(t, 2, func(ctx context.Context, index int) (string, error) {
		return "", fmt.Errorf("boom")
	})

	h, err := env.coordinator.Submit(context.Background(), writePDF(t, "doc.pdf"), DefaultOptions())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var last State
	for ev := range h.Events {
		if ev.Kind == EventState {
			last = ev.State
		}
	}
	if _, err := h.Wait(); err == nil {
		t.Fatal("expected failure")
	}
	if last != StateFailed {
		t.Errorf("terminal state = %s, want %s", last, StateFailed)
	}
}

func TestJobCancellation(t *testing.T) {
	env := newTestEnv(t, 8, func(ctx context.Context, index int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	pdf := writePDF(t, "doc.pdf")
	h, err := env.coordinator.Submit(ctx, pdf, DefaultOptions())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.AfterFunc(50*time.Millisecond, cancel)

	var last State
	for ev := range h.Events {
		if ev.Kind == EventState {
			last = ev.State
		}
	}
	_, err = h.Wait()
	if err == nil {
		t.Fatal("expected cancellation")
	}
	if code := ocrerrors.CodeOf(err); code != ocrerrors.ErrorJobCancelled {
		t.Errorf("error code = %s, want %s", code, ocrerrors.ErrorJobCancelled)
	}
	if last != StateCancelled {
		t.Errorf("terminal state = %s, want %s", last, StateCancelled)
	}

	sidecar := strings.TrimSuffix(pdf, ".pdf") + "_ocr.txt"
	if _, serr := os.Stat(sidecar); !os.IsNotExist(serr) {
		t.Error("cancelled job must not write a sidecar")
	}
}

func TestJobValidation(t *testing.T) {
	env := newTestEnv(t, 1, func(ctx context.Context, index int) (string, error) {
		return "x", nil
	})

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.pdf")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	notPDF := filepath.Join(dir, "notes.pdf")
	if err := os.WriteFile(notPDF, []byte("plain text, wrong magic"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.pdf")},
		{"empty file", empty},
		{"wrong magic", notPDF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.coordinator.Run(context.Background(), tt.path, DefaultOptions())
			if code := ocrerrors.CodeOf(err); code != ocrerrors.ErrorValidationFailed {
				t.Errorf("error code = %s, want %s (err: %v)", code, ocrerrors.ErrorValidationFailed, err)
			}
		})
	}

	if n := atomic.LoadInt32(&env.renderer.calls); n != 0 {
		t.Errorf("renderer ran %d times for invalid inputs", n)
	}
}

func TestJobInvalidOptionsRejectedAtSubmit(t *testing.T) {
	env := newTestEnv(t, 1, func(ctx context.Context, index int) (string, error) {
		return "x", nil
	})

	opts := DefaultOptions()
	opts.OEM = 9
	_, err := env.coordinator.Submit(context.Background(), writePDF(t, "doc.pdf"), opts)
	if code := ocrerrors.CodeOf(err); code != ocrerrors.ErrorValidationFailed {
		t.Errorf("error code = %s, want %s", code, ocrerrors.ErrorValidationFailed)
	}
}

func TestJobDependencyMissing(t *testing.T) {
	env := newTestEnv(t, 1, func(ctx context.Context, index int) (string, error) {
		return "x", nil
	})
	env.resolver.missing = []string{
		"tesseract binary not found",
		"language data file missing: chi_sim.traineddata",
	}

	_, err := env.coordinator.Run(context.Background(), writePDF(t, "doc.pdf"), DefaultOptions())
	if code := ocrerrors.CodeOf(err); code != ocrerrors.ErrorDependencyMissing {
		t.Fatalf("error code = %s, want %s", code, ocrerrors.ErrorDependencyMissing)
	}

	// The complete list is reported, not just the first item
	if !strings.Contains(err.Error(), "tesseract binary not found") ||
		!strings.Contains(err.Error(), "chi_sim.traineddata") {
		t.Errorf("err = %v", err)
	}

	if n := atomic.LoadInt32(&env.renderer.calls); n != 0 {
		t.Errorf("renderer ran %d times without dependencies", n)
	}
}

func TestJobRenderFailure(t *testing.T) {
	env := newTestEnv(t, 0, func(ctx context.Context, index int) (string, error) {
		return "x", nil
	})
	env.renderer.err = fmt.Errorf("pdftoppm failed: exit status 1: Syntax Error")

	_, err := env.coordinator.Run(context.Background(), writePDF(t, "doc.pdf"), DefaultOptions())
	if code := ocrerrors.CodeOf(err); code != ocrerrors.ErrorRenderFailed {
		t.Errorf("error code = %s, want %s", code, ocrerrors.ErrorRenderFailed)
	}
	if n := atomic.LoadInt32(&env.processor.calls); n != 0 {
		t.Errorf("processor ran %d times after a render failure", n)
	}
}

func TestJobCacheHit(t *testing.T) {
	env := newTestEnv(t, 3, func(ctx context.Context, index int) (string, error) {
		return fmt.Sprintf("text-%d", index+1), nil
	})

	pdf := writePDF(t, "doc.pdf")
	first, err := env.coordinator.Run(context.Background(), pdf, DefaultOptions())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	h, err := env.coordinator.Submit(context.Background(), pdf, DefaultOptions())
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	var states []State
	var progresses []int
	for ev := range h.Events {
		switch ev.Kind {
		case EventState:
			states = append(states, ev.State)
		case EventProgress:
			progresses = append(progresses, ev.Progress)
		}
	}
	second, err := h.Wait()
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}

	if !second.FromCache {
		t.Error("second run should be served from cache")
	}
	if second.Text != first.Text {
		t.Errorf("cached text differs:\n%q\nvs\n%q", second.Text, first.Text)
	}
	if second.Stats != first.Stats {
		t.Errorf("cached stats differ: %+v vs %+v", second.Stats, first.Stats)
	}

	// One render + 3 page calls from the first run only
	if n := atomic.LoadInt32(&env.renderer.calls); n != 1 {
		t.Errorf("renderer calls = %d, want 1", n)
	}
	if n := atomic.LoadInt32(&env.processor.calls); n != 3 {
		t.Errorf("processor calls = %d, want 3", n)
	}

	// Cache hit: single 100% progress event, no Rendering/Processing states
	if len(progresses) != 1 || progresses[0] != 100 {
		t.Errorf("progresses = %v, want [100]", progresses)
	}
	for _, s := range states {
		if s == StateRendering || s == StateProcessing {
			t.Errorf("cache hit entered state %s", s)
		}
	}
}

func TestJobCacheMissOnOptionChange(t *testing.T) {
	env := newTestEnv(t, 2, func(ctx context.Context, index int) (string, error) {
		return "x", nil
	})

	pdf := writePDF(t, "doc.pdf")
	if _, err := env.coordinator.Run(context.Background(), pdf, DefaultOptions()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	opts := DefaultOptions()
	opts.DPI = 600
	result, err := env.coordinator.Run(context.Background(), pdf, opts)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if result.FromCache {
		t.Error("changed options must miss the cache")
	}
	if n := atomic.LoadInt32(&env.processor.calls); n != 4 {
		t.Errorf("processor calls = %d, want 4", n)
	}
}

func TestJobBaiduResolvesPopplerOnly(t *testing.T) {
	env := newTestEnv(t, 1, func(ctx context.Context, index int) (string, error) {
		return "remote text", nil
	})
	env.coordinator.baidu = engine.BaiduCredentials{AppID: "a", APIKey: "k", SecretKey: "s"}

	opts := DefaultOptions()
	opts.Source = SourceBaidu
	if _, err := env.coordinator.Run(context.Background(), writePDF(t, "doc.pdf"), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := atomic.LoadInt32(&env.resolver.popplerCalls); n != 1 {
		t.Errorf("poppler-only resolves = %d, want 1", n)
	}
	if n := atomic.LoadInt32(&env.resolver.fullCalls); n != 0 {
		t.Errorf("full resolves = %d, want 0", n)
	}
}

func TestJobBaiduWithoutCredentials(t *testing.T) {
	env := newTestEnv(t, 1, func(ctx context.Context, index int) (string, error) {
		return "x", nil
	})

	opts := DefaultOptions()
	opts.Source = SourceBaidu
	_, err := env.coordinator.Run(context.Background(), writePDF(t, "doc.pdf"), opts)
	if code := ocrerrors.CodeOf(err); code != ocrerrors.ErrorDependencyMissing {
		t.Fatalf("error code = %s, want %s", code, ocrerrors.ErrorDependencyMissing)
	}
	if !strings.Contains(err.Error(), "baidu credentials not configured") {
		t.Errorf("err = %v", err)
	}
}

func TestComputeStats(t *testing.T) {
	text := "=== Page 1 ===\nhello world\n\n=== Page 2 ===\n你好 世界\nsecond line\n"
	st := computeStats(text)

	if st.PagesTotal != 2 || st.PagesProcessed != 2 {
		t.Errorf("pages = %d/%d, want 2/2", st.PagesProcessed, st.PagesTotal)
	}
	if st.Lines != 3 {
		t.Errorf("lines = %d, want 3", st.Lines)
	}
	if st.Words != 6 {
		t.Errorf("words = %d, want 6", st.Words)
	}
	// hello(5) world(5) 你好(2) 世界(2) second(6) line(4)
	if st.Chars != 24 {
		t.Errorf("chars = %d, want 24", st.Chars)
	}
}

func TestSidecarPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/data/report.pdf", "/data/report_ocr.txt"},
		{"/data/archive.v2.pdf", "/data/archive.v2_ocr.txt"},
		{"scan.PDF", "scan_ocr.txt"},
	}
	for _, tt := range tests {
		if got := sidecarPath(tt.in); got != tt.want {
			t.Errorf("sidecarPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
