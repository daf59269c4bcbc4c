package review

import (
	"github.com/reviewgate/reviewgate/github"
)

// Limits bounds how much diff content goes into a prompt.
type Limits struct {
	MaxTotalBytes int
	MaxFileBytes  int
	MaxFiles      int
}

// DefaultLimits keeps prompts well inside the model's context window.
func DefaultLimits() Limits {
	return Limits{
		MaxTotalBytes: 80 * 1024,
		MaxFileBytes:  16 * 1024,
		MaxFiles:      50,
	}
}

// FilePatch is one changed file as it appears in the prompt.
type FilePatch struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
	Patch     string
	Truncated bool
}

// DiffContext is the budgeted diff handed to the prompt builder. Omitted
// files are carried by name so the prompt can still mention them.
type DiffContext struct {
	Files        []FilePatch
	OmittedFiles int
	OmittedNames []string
	Truncated    bool
	TotalBytes   int
}

// BuildDiffContext selects and trims changed files under the given limits.
// excludeFn filters files out entirely (nil means include everything);
// excluded files do not count as omissions.
func BuildDiffContext(files []github.PullRequestFile, excludeFn func(string) bool, limits Limits) *DiffContext {
	ctx := &DiffContext{Files: make([]FilePatch, 0, len(files))}

	for _, f := range files {
		if excludeFn != nil && excludeFn(f.Filename) {
			continue
		}
		if limits.MaxFiles > 0 && len(ctx.Files) >= limits.MaxFiles {
			ctx.omit(f.Filename)
			continue
		}

		patch := f.Patch
		truncated := false
		if limits.MaxFileBytes > 0 && len(patch) > limits.MaxFileBytes {
			patch = cutAtLineBoundary(patch, limits.MaxFileBytes)
			truncated = true
		}

		if limits.MaxTotalBytes > 0 && ctx.TotalBytes+len(patch) > limits.MaxTotalBytes {
			remaining := limits.MaxTotalBytes - ctx.TotalBytes
			if remaining < 512 {
				// Not enough room for a meaningful excerpt.
				ctx.omit(f.Filename)
				continue
			}
			patch = cutAtLineBoundary(patch, remaining)
			truncated = true
		}

		ctx.Files = append(ctx.Files, FilePatch{
			Filename:  f.Filename,
			Status:    f.Status,
			Additions: f.Additions,
			Deletions: f.Deletions,
			Patch:     patch,
			Truncated: truncated,
		})
		ctx.TotalBytes += len(patch)
		if truncated {
			ctx.Truncated = true
		}
	}

	return ctx
}

func (d *DiffContext) omit(filename string) {
	d.OmittedFiles++
	d.OmittedNames = append(d.OmittedNames, filename)
	d.Truncated = true
}

// cutAtLineBoundary trims text to at most max bytes, preferring to end at
// a newline so a diff hunk is not cut mid-line.
func cutAtLineBoundary(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	for i := max - 1; i >= 0 && max-i < 256; i-- {
		if text[i] == '\n' {
			return text[:i+1]
		}
	}
	return cut
}
