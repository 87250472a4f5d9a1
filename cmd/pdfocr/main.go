/**
 * pdfocr - PDF text extraction CLI
 *
 * Runs one OCR job directly in-process, or enqueues it for a worker fleet
 * with -enqueue. Cache maintenance is exposed via -clear-cache and
 * -cache-size.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/alove77580/pdfocr/internal/cache"
	"github.com/alove77580/pdfocr/internal/config"
	"github.com/alove77580/pdfocr/internal/job"
	"github.com/alove77580/pdfocr/internal/logging"
	"github.com/alove77580/pdfocr/internal/queue"
	"github.com/alove77580/pdfocr/internal/storage"
)

func main() {
	defaults := job.DefaultOptions()

	var (
		lang       = flag.String("lang", defaults.Language, "OCR language codes, + separated (auto for detection)")
		oem        = flag.Int("oem", defaults.OEM, "tesseract engine mode (0-3)")
		psm        = flag.Int("psm", defaults.PSM, "tesseract page segmentation mode (0-13)")
		dpi        = flag.Int("dpi", defaults.DPI, "render resolution (100-1200)")
		contrast   = flag.Float64("contrast", defaults.Contrast, "contrast factor (0.0-2.0, 1.0 = unchanged)")
		brightness = flag.Float64("brightness", defaults.Brightness, "brightness factor (0.0-2.0, 1.0 = unchanged)")
		sharpen    = flag.Float64("sharpen", defaults.Sharpen, "sharpen factor (0.0-2.0, 1.0 = unchanged)")
		layout     = flag.Bool("layout", false, "preserve line layout in output")
		source     = flag.String("source", string(defaults.Source), "OCR engine: tesseract, gosseract or baidu")
		enqueue    = flag.Bool("enqueue", false, "enqueue the job instead of processing locally")
		watch      = flag.Bool("watch", false, "with -enqueue, follow the job's event stream")
		status     = flag.String("status", "", "print the stored record of a job ID and exit")
		clearCache = flag.Bool("clear-cache", false, "remove all cache entries and exit")
		cacheSize  = flag.Bool("cache-size", false, "print total cache size and exit")
		quiet      = flag.Bool("quiet", false, "suppress progress output, print only the result")
	)
	flag.Parse()

	// .env is optional for the CLI; flags and environment cover the common case
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *clearCache {
		n, err := cache.NewStore(cfg.CacheDir).Clear()
		if err != nil {
			log.Fatalf("Failed to clear cache: %v", err)
		}
		fmt.Printf("Removed %d cache entries from %s\n", n, cfg.CacheDir)
		return
	}

	if *cacheSize {
		size, err := cache.NewStore(cfg.CacheDir).Size()
		if err != nil {
			log.Fatalf("Failed to read cache size: %v", err)
		}
		fmt.Printf("Cache size: %.2f MB (%d bytes) in %s\n",
			float64(size)/(1024*1024), size, cfg.CacheDir)
		return
	}

	if *status != "" {
		printJobStatus(cfg, *status)
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <file.pdf>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	pdfPath := flag.Arg(0)

	opts := defaults
	opts.Language = *lang
	opts.OEM = *oem
	opts.PSM = *psm
	opts.DPI = *dpi
	opts.Contrast = *contrast
	opts.Brightness = *brightness
	opts.Sharpen = *sharpen
	opts.PreserveLayout = *layout
	opts.Source = job.Source(*source)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *enqueue {
		runEnqueue(ctx, cfg, pdfPath, opts, *watch)
		return
	}

	logger := logging.NewLogger("pdfocr")
	if *quiet {
		logger = logging.NewLoggerTo(os.Stderr, "pdfocr")
	}

	coordinator := job.NewCoordinator(cfg, logger)
	h, err := coordinator.Submit(ctx, pdfPath, opts)
	if err != nil {
		log.Fatalf("Job rejected: %v", err)
	}

	for ev := range h.Events {
		if *quiet {
			continue
		}
		switch ev.Kind {
		case job.EventProgress:
			fmt.Printf("Progress: %d%%\n", ev.Progress)
		case job.EventState:
			fmt.Printf("State: %s\n", ev.State)
		}
	}

	result, err := h.Wait()
	if err != nil {
		log.Fatalf("Job failed: %v", err)
	}

	fmt.Printf("Output written to %s\n", result.OutputPath)
	fmt.Printf("Pages: %d, Lines: %d, Words: %d, Chars: %d (cached: %t, %dms)\n",
		result.Stats.PagesTotal, result.Stats.Lines, result.Stats.Words,
		result.Stats.Chars, result.FromCache, result.DurationMS)
}

// printJobStatus looks up a job record written by a worker.
func printJobStatus(cfg *config.Config, jobID string) {
	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required for -status")
	}

	store, err := storage.NewJobStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to job store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := store.GetJob(ctx, jobID)
	if err != nil {
		log.Fatalf("Failed to look up job: %v", err)
	}

	fmt.Printf("Job:     %s\n", rec.ID)
	fmt.Printf("File:    %s\n", rec.Path)
	fmt.Printf("Status:  %s\n", rec.Status)
	if rec.ErrorCode != "" {
		fmt.Printf("Error:   [%s] %s\n", rec.ErrorCode, rec.ErrorMessage)
	}
	if rec.Status == "done" {
		fmt.Printf("Output:  %s\n", rec.OutputPath)
		fmt.Printf("Pages:   %d/%d, Words: %d, Chars: %d (cached: %t, %dms)\n",
			rec.PagesProcessed, rec.PagesTotal, rec.Words, rec.Chars,
			rec.FromCache, rec.DurationMS)
	}
	fmt.Printf("Updated: %s\n", rec.UpdatedAt.Format(time.RFC3339))
}

func runEnqueue(ctx context.Context, cfg *config.Config, pdfPath string, opts job.Options, watch bool) {
	enqueuer, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer enqueuer.Close()

	jobID, err := enqueuer.Enqueue(ctx, pdfPath, opts)
	if err != nil {
		log.Fatalf("Failed to enqueue job: %v", err)
	}
	fmt.Printf("Enqueued job %s\n", jobID)

	if !watch {
		return
	}

	publisher, err := queue.NewPublisher(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect for watching: %v", err)
	}
	defer publisher.Close()

	events, err := publisher.Subscribe(ctx, jobID)
	if err != nil {
		log.Fatalf("Failed to subscribe to job events: %v", err)
	}

	for ev := range events {
		switch ev.Kind {
		case job.EventProgress:
			fmt.Printf("Progress: %d%%\n", ev.Progress)
		case job.EventState:
			fmt.Printf("State: %s\n", ev.State)
		case job.EventLog:
			fmt.Printf("%s\n", ev.Message)
		}
	}
}
