package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	"visreg/internal/compare"

	"github.com/joho/godotenv"
)

type CompareOutput struct {
	Similar  bool    `json:"similar"`
	Ratio    float64 `json:"ratio"`
	DiffPath string  `json:"diffPath,omitempty"`
}

type HashOutput struct {
	Hash string `json:"hash"`
}

type BaselineOutput struct {
	BaselinePath string `json:"baselinePath"`
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
	var name string
	var update bool
	var hash bool
	var clear string
	var saveDiff bool
	var region string
	flag.StringVar(&baselineDir, "baseline-dir", envOrDefaultValue("BASELINE_DIR", ""), "Baseline directory")
	flag.StringVar(&diffDir, "diff-dir", envOrDefaultValue("DIFF_DIR", ""), "Diff artifact directory")
	flag.Float64Var(&threshold, "threshold", envOrDefaultValue("THRESHOLD", compare.DefaultThreshold), "Maximum difference ratio considered similar")
	flag.StringVar(&name, "name", "", "Baseline name; compares the given image against the stored baseline")
	flag.BoolVar(&update, "update", false, "Replace the named baseline with the given image")
	flag.BoolVar(&hash, "hash", false, "Print the perceptual hash of the given image")
	flag.StringVar(&clear, "clear", "", "Remove stored artifacts (diffs, baselines or all)")
	flag.BoolVar(&saveDiff, "save-diff", envOrDefaultValue("SAVE_DIFF", true), "Write a diff composite when a named comparison fails")
	flag.StringVar(&region, "region", "", "Restrict comparison to left,top,right,bottom")

	flag.Parse()

	comparator, err := compare.NewComparator(baselineDir, diffDir)
	if err != nil {
		log.Fatalf("Failed to create comparator: %v", err)
	}

	if clear != "" {
		if err := runClear(comparator, clear); err != nil {
			log.Fatalf("Failed to clear artifacts: %v", err)
		}
		return
	}

	args := flag.Args()

	if hash {
		if len(args) < 1 {
			log.Fatalf("image not specified")
		}
		digest, err := comparator.ImageHash(args[0])
		if err != nil {
			log.Fatalf("Failed to hash image: %v", err)
		}
		emit(HashOutput{Hash: digest})
		return
	}

	if update {
		if name == "" || len(args) < 1 {
			log.Fatalf("name and image not specified")
		}
		path, err := comparator.UpdateBaseline(args[0], name)
		if err != nil {
			log.Fatalf("Failed to update baseline: %v", err)
		}
		emit(BaselineOutput{BaselinePath: path})
		return
	}

	if name != "" {
		if len(args) < 1 {
			log.Fatalf("image not specified")
		}
		result, err := comparator.CompareWithBaseline(args[0], name, threshold, saveDiff)
		if err != nil {
			log.Fatalf("Failed to compare against baseline: %v", err)
		}
		emit(CompareOutput{
			Similar:  result.Similar,
			Ratio:    result.Ratio,
			DiffPath: result.DiffPath,
		})
		return
	}

	if len(args) < 2 {
		log.Fatalf("baseline, candidate not specified")
	}

	var similar bool
	var ratio float64
	if region != "" {
		r, err := parseRegion(region)
		if err != nil {
			log.Fatalf("Failed to parse region: %v", err)
		}
		similar, ratio, err = comparator.CompareRegions(args[0], args[1], r, threshold)
		if err != nil {
			log.Fatalf("Failed to compare regions: %v", err)
		}
	} else {
		similar, ratio, err = comparator.CompareImages(args[0], args[1], threshold)
		if err != nil {
			log.Fatalf("Failed to compare images: %v", err)
		}
	}
	emit(CompareOutput{Similar: similar, Ratio: ratio})
}

func runClear(comparator *compare.Comparator, target string) error {
	switch target {
	case "diffs":
		return comparator.ClearDiffs()
	case "baselines":
		return comparator.ClearBaselines()
	case "all":
		if err := comparator.ClearDiffs(); err != nil {
			return err
		}
		return comparator.ClearBaselines()
	default:
		return fmt.Errorf("unknown clear target: %s", target)
	}
}

func parseRegion(s string) (compare.Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return compare.Region{}, fmt.Errorf("expected left,top,right,bottom, got %s", s)
	}
	values := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return compare.Region{}, fmt.Errorf("invalid coordinate %q: %w", p, err)
		}
		values[i] = v
	}
	return compare.Region{
		Left:   values[0],
		Top:    values[1],
		Right:  values[2],
		Bottom: values[3],
	}, nil
}

func emit(v any) {
	if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
}
