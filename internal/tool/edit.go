package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
)

const editDescription = `Performs exact string replacements in files.

Usage:
- The filePath parameter should be an absolute path
- The oldString must exist in the file (exact match required)
- The newString will replace oldString
- Use replaceAll to replace all occurrences
- The edit will FAIL if oldString is not unique (unless using replaceAll)`

// fuzzyThreshold is the minimum similarity for a fallback match when
// the exact string is not found.
const fuzzyThreshold = 0.7

// EditTool replaces strings in existing files.
type EditTool struct {
	workDir string
}

// EditInput is the input for the edit tool.
type EditInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// NewEditTool creates a new edit tool.
func NewEditTool(workDir string) *EditTool {
	return &EditTool{workDir: workDir}
}

func (t *EditTool) ID() string          { return "edit" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to edit"
			},
			"oldString": {
				"type": "string",
				"description": "The exact text to replace"
			},
			"newString": {
				"type": "string",
				"description": "The text to replace it with"
			},
			"replaceAll": {
				"type": "boolean",
				"description": "Replace all occurrences (default: false)"
			}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params EditInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.OldString == params.NewString {
		return nil, fmt.Errorf("oldString and newString must be different")
	}

	path := absPath(params.FilePath, toolCtx, t.workDir)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)

	newText, count, note, err := replace(text, params)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, []byte(newText), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	publishFileEdited(toolCtx, path)

	diff, additions, deletions := fileDiff(path, text, newText, t.workDir)

	title := fmt.Sprintf("Edited %s", filepath.Base(path))
	if note != "" {
		title += " (" + note + ")"
	}

	return &Result{
		Title:  title,
		Output: fmt.Sprintf("Replaced %d occurrence(s)", count),
		Metadata: map[string]any{
			"file":         path,
			"replacements": count,
			"diff":         diff,
			"additions":    additions,
			"deletions":    deletions,
		},
	}, nil
}

// replace applies the edit to text, falling back to line-ending
// normalization and then fuzzy matching when the exact string is
// missing. note names the fallback that fired, if any.
func replace(text string, params EditInput) (newText string, count int, note string, err error) {
	if n := strings.Count(text, params.OldString); n > 0 {
		if params.ReplaceAll {
			return strings.ReplaceAll(text, params.OldString, params.NewString), n, "", nil
		}
		if n > 1 {
			return "", 0, "", fmt.Errorf("oldString appears %d times in file. Use replaceAll or provide more context", n)
		}
		return strings.Replace(text, params.OldString, params.NewString, 1), 1, "", nil
	}

	// CRLF sources rarely round-trip through the model intact.
	normalizedOld := normalizeLineEndings(params.OldString)
	normalizedText := normalizeLineEndings(text)
	if strings.Contains(normalizedText, normalizedOld) {
		return strings.Replace(normalizedText, normalizedOld, params.NewString, 1), 1, "normalized", nil
	}

	match, sim := findBestMatch(text, params.OldString)
	if match != "" && sim >= fuzzyThreshold {
		return strings.Replace(text, match, params.NewString, 1), 1, "fuzzy", nil
	}

	return "", 0, "", fmt.Errorf("oldString not found in file. The content may have changed or the string doesn't exist")
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// findBestMatch finds the block of lines most similar to target.
func findBestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLines := strings.Split(target, "\n")

	bestMatch := ""
	bestSimilarity := 0.0

	if len(targetLines) == 1 {
		for _, line := range lines {
			if sim := similarity(line, target); sim > bestSimilarity {
				bestSimilarity = sim
				bestMatch = line
			}
		}
		return bestMatch, bestSimilarity
	}

	targetLen := len(targetLines)
	for i := 0; i <= len(lines)-targetLen; i++ {
		block := strings.Join(lines[i:i+targetLen], "\n")
		if sim := similarity(block, target); sim > bestSimilarity {
			bestSimilarity = sim
			bestMatch = block
		}
	}

	return bestMatch, bestSimilarity
}

// similarity is normalized Levenshtein similarity in [0, 1].
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	// Levenshtein is quadratic; past this size a length ratio is close
	// enough to rank candidates.
	if len(a) > 10000 || len(b) > 10000 {
		maxLen := max(len(a), len(b))
		minLen := min(len(a), len(b))
		return float64(minLen) / float64(maxLen)
	}

	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(max(len(a), len(b)))
}
