package compare

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/corona10/goimagehash"

	diffimage "visreg/internal/diff/image"
)

// DefaultThreshold is the fraction of maximum intensity delta below which two
// screenshots count as visually equivalent.
const DefaultThreshold = 0.1

// Result is the outcome of a baseline comparison. DiffPath is empty unless a
// diff artifact was written for a failing comparison.
type Result struct {
	Similar  bool    `json:"similar"`
	Ratio    float64 `json:"ratio"`
	DiffPath string  `json:"diffPath,omitempty"`
}

// Region selects a rectangle of pixels, left/top inclusive, right/bottom
// exclusive.
type Region struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// Comparator decides whether screenshots are visually equivalent to stored
// baselines and produces inspectable diff artifacts when they are not.
//
// Baselines live at <baselineDir>/<name>.png and diff artifacts at
// <diffDir>/<name>_diff.png. A baseline is created automatically the first
// time a name is compared (the first observer wins) and is otherwise only
// changed through SaveBaseline/UpdateBaseline; a failing comparison never
// touches it.
//
// The Comparator is safe for concurrent use. Bootstrap and explicit baseline
// writes for the same name are serialized by a per-name lock and land via an
// atomic rename, so racing callers never observe a partially written
// baseline.
type Comparator struct {
	baselineDir string
	diffDir     string
	differ      *diffimage.IntensityDiff

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewComparator(baselineDir string, diffDir string) (*Comparator, error) {
	if baselineDir == "" {
		baselineDir = filepath.Join("visual", "baselines")
	}
	if diffDir == "" {
		diffDir = filepath.Join("visual", "diffs")
	}

	if err := os.MkdirAll(baselineDir, 0755); err != nil {
		return nil, &WriteError{Path: baselineDir, Err: err}
	}
	if err := os.MkdirAll(diffDir, 0755); err != nil {
		return nil, &WriteError{Path: diffDir, Err: err}
	}

	return &Comparator{
		baselineDir: baselineDir,
		diffDir:     diffDir,
		differ:      diffimage.NewIntensityDiff(diffimage.DefaultAmplification),
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// BaselinePath returns where the baseline for name is (or would be) stored.
func (c *Comparator) BaselinePath(name string) string {
	return filepath.Join(c.baselineDir, name+".png")
}

// DiffPath returns where a failing comparison for name writes its artifact.
func (c *Comparator) DiffPath(name string) string {
	return filepath.Join(c.diffDir, name+"_diff.png")
}

// CompareImages decodes both paths and returns whether their intensity-delta
// ratio is within threshold. Images of differing pixel dimensions are defined
// as maximally dissimilar (false, 1.0); no implicit resizing is performed.
// The ratio is a pure function of the pixel data. No side effects.
func (c *Comparator) CompareImages(baselinePath string, candidatePath string, threshold float64) (bool, float64, error) {
	baseline, err := loadImage(baselinePath)
	if err != nil {
		return false, 0.0, err
	}

	candidate, err := loadImage(candidatePath)
	if err != nil {
		return false, 0.0, err
	}

	if baseline.Bounds().Dx() != candidate.Bounds().Dx() || baseline.Bounds().Dy() != candidate.Bounds().Dy() {
		return false, 1.0, nil
	}

	result := c.differ.Calculate(baseline, candidate)

	return result.Ratio <= threshold, result.Ratio, nil
}

// CompareWithBaseline compares the candidate against the stored baseline for
// name. When no baseline exists yet the candidate is persisted as the new
// baseline and the comparison passes with ratio 0.0 (bootstrap). When the
// comparison fails and saveDiff is set, a composite diff artifact is written
// and its path returned in the result.
func (c *Comparator) CompareWithBaseline(candidatePath string, name string, threshold float64, saveDiff bool) (*Result, error) {
	baselinePath := c.BaselinePath(name)

	lock := c.nameLock(name)
	lock.Lock()
	if _, err := os.Stat(baselinePath); errors.Is(err, fs.ErrNotExist) {
		// First observer wins: accept the candidate as the reference.
		_, err := c.saveBaselineLocked(candidatePath, name)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		return &Result{Similar: true, Ratio: 0.0}, nil
	}
	lock.Unlock()

	similar, ratio, err := c.CompareImages(baselinePath, candidatePath, threshold)
	if err != nil {
		return nil, err
	}

	if similar || !saveDiff {
		return &Result{Similar: similar, Ratio: ratio}, nil
	}

	diffPath := c.DiffPath(name)
	if err := c.CreateDiffImage(baselinePath, candidatePath, diffPath); err != nil {
		return nil, err
	}

	return &Result{Similar: false, Ratio: ratio, DiffPath: diffPath}, nil
}

// CreateDiffImage writes a composite of baseline, candidate and amplified
// delta panels, three baseline-widths wide, to outputPath, overwriting any
// existing file there.
func (c *Comparator) CreateDiffImage(baselinePath string, candidatePath string, outputPath string) error {
	baseline, err := loadImage(baselinePath)
	if err != nil {
		return err
	}

	candidate, err := loadImage(candidatePath)
	if err != nil {
		return err
	}

	// The stretch is layout only, so the three panels line up. The similarity
	// score must never see a resized candidate; CompareImages treats size
	// mismatch as total dissimilarity instead.
	candidate = diffimage.Stretch(candidate, baseline.Bounds().Dx(), baseline.Bounds().Dy())

	result := c.differ.Calculate(baseline, candidate)
	composite := diffimage.SideBySide(baseline, candidate, result.Delta)

	var buffer bytes.Buffer
	if err := png.Encode(&buffer, composite); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}

	if err := os.WriteFile(outputPath, buffer.Bytes(), 0644); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}

	return nil
}

// SaveBaseline persists the given screenshot as the canonical baseline for
// name, unconditionally replacing any prior baseline. This and its alias
// UpdateBaseline are the only sanctioned ways to change an existing baseline.
func (c *Comparator) SaveBaseline(screenshotPath string, name string) (string, error) {
	lock := c.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	return c.saveBaselineLocked(screenshotPath, name)
}

// UpdateBaseline is an alias for SaveBaseline.
func (c *Comparator) UpdateBaseline(screenshotPath string, name string) (string, error) {
	return c.SaveBaseline(screenshotPath, name)
}

func (c *Comparator) saveBaselineLocked(screenshotPath string, name string) (string, error) {
	data, err := os.ReadFile(screenshotPath)
	if err != nil {
		return "", &DecodeError{Path: screenshotPath, Err: err}
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return "", &DecodeError{Path: screenshotPath, Err: err}
	}

	baselinePath := c.BaselinePath(name)

	// Write-then-rename so a racing bootstrap caller never reads a partially
	// written baseline.
	tmp, err := os.CreateTemp(c.baselineDir, name+".*.tmp")
	if err != nil {
		return "", &WriteError{Path: baselinePath, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &WriteError{Path: baselinePath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &WriteError{Path: baselinePath, Err: err}
	}
	if err := os.Rename(tmp.Name(), baselinePath); err != nil {
		os.Remove(tmp.Name())
		return "", &WriteError{Path: baselinePath, Err: err}
	}

	return baselinePath, nil
}

// CompareRegions crops both images to the given region and compares the crops
// with the same ratio algorithm as CompareImages. Scratch files are unique
// per call and removed on every exit path.
func (c *Comparator) CompareRegions(path1 string, path2 string, region Region, threshold float64) (bool, float64, error) {
	img1, err := loadImage(path1)
	if err != nil {
		return false, 0.0, err
	}

	img2, err := loadImage(path2)
	if err != nil {
		return false, 0.0, err
	}

	rect := image.Rect(region.Left, region.Top, region.Right, region.Bottom)

	crop1, err := c.writeCrop(img1, rect, "region1")
	if err != nil {
		return false, 0.0, err
	}
	defer os.Remove(crop1)

	crop2, err := c.writeCrop(img2, rect, "region2")
	if err != nil {
		return false, 0.0, err
	}
	defer os.Remove(crop2)

	return c.CompareImages(crop1, crop2, threshold)
}

func (c *Comparator) writeCrop(img image.Image, rect image.Rectangle, prefix string) (string, error) {
	cropped := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(cropped, cropped.Bounds(), img, rect.Min.Add(img.Bounds().Min), draw.Src)

	tmp, err := os.CreateTemp(c.diffDir, prefix+".*.png")
	if err != nil {
		return "", &WriteError{Path: c.diffDir, Err: err}
	}

	if err := png.Encode(tmp, cropped); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &WriteError{Path: tmp.Name(), Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &WriteError{Path: tmp.Name(), Err: err}
	}

	return tmp.Name(), nil
}

// ImageHash returns a coarse perceptual fingerprint of the image: the 8x8
// average-hash bit pattern digested to a fixed-length hex string. It is a
// cheap near-duplicate signal and deliberately weaker than CompareImages;
// never substitute it for a pass/fail comparison.
func (c *Comparator) ImageHash(imagePath string) (string, error) {
	img, err := loadImage(imagePath)
	if err != nil {
		return "", err
	}

	hash, err := goimagehash.AverageHash(img)
	if err != nil {
		return "", fmt.Errorf("failed to compute average hash: %w", err)
	}

	digest := md5.Sum([]byte(strconv.FormatUint(hash.GetHash(), 10)))
	return hex.EncodeToString(digest[:]), nil
}

// ClearDiffs removes all stored diff artifacts. Best effort: every file is
// attempted even when some deletions fail, and the failures are reported
// together afterwards.
func (c *Comparator) ClearDiffs() error {
	return clearPNGs(c.diffDir)
}

// ClearBaselines removes all stored baselines. Same best-effort semantics as
// ClearDiffs.
func (c *Comparator) ClearBaselines() error {
	return clearPNGs(c.baselineDir)
}

func clearPNGs(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return err
	}

	var errs []error
	for _, match := range matches {
		if err := os.Remove(match); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Comparator) nameLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[name] = lock
	}
	return lock
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	return img, nil
}
