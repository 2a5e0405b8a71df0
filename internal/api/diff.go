package api

import "strings"

type DiffLine struct {
	Type    string `json:"type"` // added, removed or unchanged
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// computeDiff is a line diff over the longest common subsequence. suffix[i][j]
// holds the LCS length of oldLines[i:] and newLines[j:], which lets the walk
// run front to back and number lines as it goes.
func computeDiff(oldContent, newContent string) []DiffLine {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")
	m, n := len(oldLines), len(newLines)

	suffix := make([][]int, m+1)
	for i := range suffix {
		suffix[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				suffix[i][j] = suffix[i+1][j+1] + 1
			} else {
				suffix[i][j] = max(suffix[i+1][j], suffix[i][j+1])
			}
		}
	}

	diff := make([]DiffLine, 0, max(m, n))
	i, j := 0, 0
	for i < m || j < n {
		switch {
		case i < m && j < n && oldLines[i] == newLines[j]:
			diff = append(diff, DiffLine{Type: "unchanged", Content: oldLines[i], OldLine: i + 1, NewLine: j + 1})
			i++
			j++
		case i < m && (j == n || suffix[i+1][j] >= suffix[i][j+1]):
			diff = append(diff, DiffLine{Type: "removed", Content: oldLines[i], OldLine: i + 1})
			i++
		default:
			diff = append(diff, DiffLine{Type: "added", Content: newLines[j], NewLine: j + 1})
			j++
		}
	}
	return diff
}
