package text

import "bytes"

// DiffResult holds a unified-style textual diff and the fraction of lines
// that changed, in [0, 1].
type DiffResult struct {
	Diff  []byte
	Ratio float64
}

type Differ interface {
	Calculate(baseline []byte, candidate []byte) (*DiffResult, error)
}

// LineDiff compares two documents line by line using a longest-common-
// subsequence alignment. It is used as a secondary drift signal over captured
// page HTML alongside the pixel comparison.
type LineDiff struct{}

func NewLineDiff() *LineDiff {
	return &LineDiff{}
}

func (d *LineDiff) Calculate(baseline []byte, candidate []byte) (*DiffResult, error) {
	before := splitLines(baseline)
	after := splitLines(candidate)

	table := lcsTable(before, after)
	diff, added, removed := walkDiff(before, after, table)

	totalLines := len(before) + len(after)

	ratio := 0.0
	if totalLines > 0 {
		ratio = float64(added+removed) / float64(totalLines)
		if ratio > 1.0 {
			ratio = 1.0
		}
	}

	return &DiffResult{
		Diff:  diff,
		Ratio: ratio,
	}, nil
}

func splitLines(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	return bytes.Split(data, []byte("\n"))
}

func lcsTable(before [][]byte, after [][]byte) [][]int {
	m, n := len(before), len(after)

	table := make([][]int, m+1)
	for i := range table {
		table[i] = make([]int, n+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if bytes.Equal(before[i-1], after[j-1]) {
				table[i][j] = table[i-1][j-1] + 1
			} else {
				table[i][j] = max(table[i-1][j], table[i][j-1])
			}
		}
	}

	return table
}

// walkDiff backtracks through the LCS table emitting "+ ", "- " and "  "
// prefixed lines in document order.
func walkDiff(before [][]byte, after [][]byte, table [][]int) ([]byte, int, int) {
	i, j := len(before), len(after)

	var reversed [][]byte
	added := 0
	removed := 0

	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && bytes.Equal(before[i-1], after[j-1]):
			reversed = append(reversed, prefixed("  ", before[i-1]))
			i--
			j--
		case j > 0 && (i == 0 || table[i][j-1] >= table[i-1][j]):
			reversed = append(reversed, prefixed("+ ", after[j-1]))
			j--
			added++
		default:
			reversed = append(reversed, prefixed("- ", before[i-1]))
			i--
			removed++
		}
	}

	var result bytes.Buffer
	for k := len(reversed) - 1; k >= 0; k-- {
		if result.Len() > 0 {
			result.WriteByte('\n')
		}
		result.Write(reversed[k])
	}

	return result.Bytes(), added, removed
}

func prefixed(prefix string, line []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(line))
	out = append(out, prefix...)
	return append(out, line...)
}
