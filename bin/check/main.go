package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"visreg/internal/capture"
	"visreg/internal/compare"
	difftext "visreg/internal/diff/text"
	"visreg/internal/retry"
	"visreg/internal/storage"

	"github.com/joho/godotenv"
	"github.com/playwright-community/playwright-go"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

type CheckOutput struct {
	Name          string  `json:"name"`
	URL           string  `json:"url"`
	Bootstrapped  bool    `json:"bootstrapped"`
	Similar       bool    `json:"similar"`
	Ratio         float64 `json:"ratio"`
	DiffURL       string  `json:"diffURL,omitempty"`
	HTMLRatio     float64 `json:"htmlRatio"`
	HTMLDiffURL   string  `json:"htmlDiffURL,omitempty"`
	ScreenshotURL string  `json:"screenshotURL,omitempty"`
}

type Checker struct {
	Capturer    capture.Capturer
	Comparator  *compare.Comparator
	Storage     storage.Storage
	BaselineDir string
	Threshold   float64
	Mask        []string
}

func envOrDefaultValue[T any](key string, defaultValue T) T {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	switch any(defaultValue).(type) {
	case string:
		return any(value).(T)
	case int:
		if intValue, err := strconv.Atoi(value); err == nil {
			return any(intValue).(T)
		}
	case int64:
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return any(intValue).(T)
		}
	case uint:
		if uintValue, err := strconv.ParseUint(value, 10, 0); err == nil {
			return any(uint(uintValue)).(T)
		}
	case uint64:
		if uintValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return any(uintValue).(T)
		}
	case float64:
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return any(floatValue).(T)
		}
	case bool:
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return any(boolValue).(T)
		}
	case time.Duration:
		if durationValue, err := time.ParseDuration(value); err == nil {
			return any(durationValue).(T)
		}
	}

	return defaultValue
}

func main() {
	_ = godotenv.Load()

	var baselineDir string
	var diffDir string
	var threshold float64
	var chromeDevtoolsProtocolURL string
	var storageBackend string
	var callbackURL string
	var mask string
	var schedule string
	flag.StringVar(&baselineDir, "baseline-dir", envOrDefaultValue("BASELINE_DIR", "visual/baselines"), "Baseline directory")
	flag.StringVar(&diffDir, "diff-dir", envOrDefaultValue("DIFF_DIR", "visual/diffs"), "Diff artifact directory")
	flag.Float64Var(&threshold, "threshold", envOrDefaultValue("THRESHOLD", compare.DefaultThreshold), "Maximum difference ratio considered similar")
	flag.StringVar(&chromeDevtoolsProtocolURL, "chrome-devtools-protocol-url", envOrDefaultValue("CHROME_DEVTOOLS_PROTOCOL_URL", ""), "Connect to existing browser via Chrome DevTools Protocol URL (e.g., http://localhost:9222)")
	flag.StringVar(&storageBackend, "storage-backend", envOrDefaultValue("STORAGE_BACKEND", "file"), "Storage backend for failing artifacts (file or s3)")
	flag.StringVar(&callbackURL, "callback-url", envOrDefaultValue("CALLBACK_URL", ""), "Callback URL to send results to")
	flag.StringVar(&mask, "mask", envOrDefaultValue("MASK_SELECTORS", ""), "Comma-separated CSS selectors to mask before capture")
	flag.StringVar(&schedule, "schedule", envOrDefaultValue("SCHEDULE", ""), "Cron expression (minute granularity); re-runs the checks on that schedule instead of exiting")

	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		log.Fatalf("no name=url pairs specified")
	}

	targets := make(map[string]string, len(args))
	for _, arg := range args {
		name, url, ok := strings.Cut(arg, "=")
		if !ok {
			log.Fatalf("expected name=url, got %s", arg)
		}
		targets[name] = url
	}

	ctx := context.Background()

	config := capture.DefaultPlaywrightConfig()
	if chromeDevtoolsProtocolURL != "" {
		config.ChromeDevtoolsProtocolURL = chromeDevtoolsProtocolURL
	}

	if err := playwright.Install(&playwright.RunOptions{
		Browsers: []string{"chromium"},
	}); err != nil {
		log.Fatalf("failed to install playwright browsers: %v", err)
	}

	capturer, err := capture.NewPlaywrightCapturer(ctx, config)
	if err != nil {
		log.Fatalf("failed to initialize capturer: %v", err)
	}

	comparator, err := compare.NewComparator(baselineDir, diffDir)
	if err != nil {
		log.Fatalf("failed to create comparator: %v", err)
	}

	var s storage.Storage
	switch storageBackend {
	case "file":
		s, err = storage.NewFileStorage(ctx, storage.FileConfig{
			Directory: envOrDefaultValue("DIRECTORY", "/tmp"),
		})
		if err != nil {
			log.Fatalf("failed to create file storage backend: %v", err)
		}
	case "s3":
		s, err = storage.NewS3Storage(ctx, storage.S3Config{
			Bucket: os.Getenv("S3_BUCKET"),
		})
		if err != nil {
			log.Fatalf("failed to create S3 storage backend: %v", err)
		}
	default:
		log.Fatalf("unknown storage backend: %s", storageBackend)
	}

	checker := &Checker{
		Capturer:    capturer,
		Comparator:  comparator,
		Storage:     s,
		BaselineDir: baselineDir,
		Threshold:   threshold,
	}
	if mask != "" {
		checker.Mask = strings.Split(mask, ",")
	}

	if schedule == "" {
		results, err := checker.run(ctx, targets)
		if err != nil {
			log.Fatalf("failed to run checks: %v", err)
		}

		if err := report(ctx, callbackURL, results); err != nil {
			log.Fatalf("failed to report results: %v", err)
		}

		for _, r := range results {
			if !r.Similar {
				os.Exit(1)
			}
		}
		return
	}

	sched, err := parseSchedule(schedule)
	if err != nil {
		log.Fatalf("failed to parse schedule: %v", err)
	}

	// Recurring mode: a failing check is reported, not fatal, so one bad
	// capture does not kill the schedule.
	for {
		next := sched.Next(time.Now())
		time.Sleep(time.Until(next))

		results, err := checker.run(ctx, targets)
		if err != nil {
			log.Printf("failed to run checks: %v", err)
			continue
		}

		if err := report(ctx, callbackURL, results); err != nil {
			log.Printf("failed to report results: %v", err)
		}
	}
}

func parseSchedule(s string) (cron.Schedule, error) {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(s)
}

func report(ctx context.Context, callbackURL string, results []*CheckOutput) error {
	j, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return xerrors.Errorf("failed to marshal results: %w", err)
	}

	if callbackURL == "" {
		fmt.Println(string(j))
		return nil
	}
	return callback(ctx, callbackURL, j)
}

func (c *Checker) run(ctx context.Context, targets map[string]string) ([]*CheckOutput, error) {
	results := make([]*CheckOutput, 0, len(targets))
	{
		eg, ctx := errgroup.WithContext(ctx)
		outputs := make(chan *CheckOutput, len(targets))

		for name, url := range targets {
			eg.Go(func() error {
				output, err := c.checkTarget(ctx, name, url)
				if err != nil {
					return xerrors.Errorf("failed to check %s: %w", name, err)
				}
				outputs <- output
				return nil
			})
		}

		if err := eg.Wait(); err != nil {
			return nil, err
		}
		close(outputs)

		for output := range outputs {
			results = append(results, output)
		}
	}
	return results, nil
}

func (c *Checker) checkTarget(ctx context.Context, name string, url string) (*CheckOutput, error) {
	captured, err := c.Capturer.Capture(ctx, url, capture.Options{
		MaskSelectors: c.Mask,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to capture %s: %w", url, err)
	}

	scratch, err := os.CreateTemp("", name+".*.png")
	if err != nil {
		return nil, xerrors.Errorf("failed to create scratch file: %w", err)
	}
	scratchPath := scratch.Name()
	defer os.Remove(scratchPath)
	if _, err := scratch.Write(captured.Screenshot); err != nil {
		scratch.Close()
		return nil, xerrors.Errorf("failed to write screenshot: %w", err)
	}
	if err := scratch.Close(); err != nil {
		return nil, xerrors.Errorf("failed to close scratch file: %w", err)
	}

	bootstrapped := false
	if _, err := os.Stat(c.Comparator.BaselinePath(name)); os.IsNotExist(err) {
		bootstrapped = true
	}

	result, err := c.Comparator.CompareWithBaseline(scratchPath, name, c.Threshold, true)
	if err != nil {
		return nil, xerrors.Errorf("failed to compare %s against baseline: %w", name, err)
	}

	htmlRatio, htmlDiff, err := c.compareHTML(name, captured.HTML)
	if err != nil {
		return nil, xerrors.Errorf("failed to compare HTML for %s: %w", name, err)
	}

	output := &CheckOutput{
		Name:         name,
		URL:          url,
		Bootstrapped: bootstrapped,
		Similar:      result.Similar,
		Ratio:        result.Ratio,
		HTMLRatio:    htmlRatio,
	}

	if !result.Similar {
		if err := c.archive(ctx, name, captured.Screenshot, result.DiffPath, htmlDiff, output); err != nil {
			return nil, err
		}
	}

	return output, nil
}

// compareHTML diffs the captured page source against the stored HTML
// baseline, bootstrapping the baseline on first run.
func (c *Checker) compareHTML(name string, html []byte) (float64, []byte, error) {
	baselinePath := filepath.Join(c.BaselineDir, name+".html")

	baseline, err := os.ReadFile(baselinePath)
	if os.IsNotExist(err) {
		if werr := os.WriteFile(baselinePath, html, 0o644); werr != nil {
			return 0.0, nil, xerrors.Errorf("failed to bootstrap HTML baseline: %w", werr)
		}
		return 0.0, nil, nil
	}
	if err != nil {
		return 0.0, nil, xerrors.Errorf("failed to read HTML baseline: %w", err)
	}

	diffResult, err := difftext.NewLineDiff().Calculate(baseline, html)
	if err != nil {
		return 0.0, nil, xerrors.Errorf("failed to calculate HTML diff: %w", err)
	}
	return diffResult.Ratio, diffResult.Diff, nil
}

// archive uploads the failing candidate, the diff composite and the HTML
// diff so the artifacts survive the workspace.
func (c *Checker) archive(ctx context.Context, name string, screenshot []byte, diffPath string, htmlDiff []byte, output *CheckOutput) error {
	timestamp := time.Now().Format("20060102150405")
	baseKey := fmt.Sprintf("visreg/check/%s/%s", name, timestamp)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		url, err := c.Storage.Put(ctx, baseKey+".png", screenshot)
		if err != nil {
			return xerrors.Errorf("failed to upload screenshot: %w", err)
		}
		output.ScreenshotURL = url
		return nil
	})

	if diffPath != "" {
		eg.Go(func() error {
			data, err := os.ReadFile(diffPath)
			if err != nil {
				return xerrors.Errorf("failed to read diff composite: %w", err)
			}
			url, err := c.Storage.Put(ctx, baseKey+"_diff.png", data)
			if err != nil {
				return xerrors.Errorf("failed to upload diff composite: %w", err)
			}
			output.DiffURL = url
			return nil
		})
	}

	if len(htmlDiff) > 0 {
		eg.Go(func() error {
			url, err := c.Storage.Put(ctx, baseKey+".txt", htmlDiff)
			if err != nil {
				return xerrors.Errorf("failed to upload HTML diff: %w", err)
			}
			output.HTMLDiffURL = url
			return nil
		})
	}

	return eg.Wait()
}

func callback(ctx context.Context, callbackURL string, data []byte) error {
	request, err := http.NewRequestWithContext(ctx, "PATCH", callbackURL, bytes.NewReader(data))
	if err != nil {
		return xerrors.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 1 * time.Second, // retry.Transport does not have perTryTimeout
		Transport: &retry.Transport{
			Base:          http.DefaultTransport,
			RetryStrategy: retry.NewExponentialBackOff(10*time.Millisecond, 1*time.Second, 3, nil),
			RetryOn:       retry.NewDefaultRetryOn(),
		},
	}

	response, err := client.Do(request)
	if err != nil {
		return xerrors.Errorf("failed to send request: %w", err)
	}
	defer response.Body.Close()

	return nil
}
