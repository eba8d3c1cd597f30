package tool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// fileDiff computes a patch between two versions of a file plus the
// added and deleted line counts, for write/edit result metadata. The
// diff text is prefixed with ---/+++ headers when a path is given.
func fileDiff(path, before, after, baseDir string) (string, int, int) {
	if before == after {
		return "", 0, 0
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	diffText := dmp.PatchToText(dmp.PatchMake(before, diffs))
	if diffText == "" {
		return "", additions, deletions
	}

	rel := path
	if baseDir != "" && path != "" {
		if r, err := filepath.Rel(baseDir, path); err == nil {
			rel = r
		}
	}

	var sb strings.Builder
	if rel != "" {
		fmt.Fprintf(&sb, "--- %s\n", rel)
		fmt.Fprintf(&sb, "+++ %s\n", rel)
	}
	sb.WriteString(diffText)

	return sb.String(), additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
