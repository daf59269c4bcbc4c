package review

import (
	"fmt"
	"strings"
)

// PromptInput carries everything the prompt builder needs about a PR.
type PromptInput struct {
	Owner        string
	Repo         string
	Language     string
	Title        string
	Body         string
	Instructions string
	Diff         *DiffContext
}

// SystemPrompt returns the reviewer persona, specialized to the
// repository's primary language when known.
func SystemPrompt(language string) string {
	var b strings.Builder
	b.WriteString("You are an expert code reviewer")
	if language != "" {
		fmt.Fprintf(&b, " with deep experience in %s", language)
	}
	b.WriteString(". You review pull requests for correctness, security, performance, and maintainability. ")
	b.WriteString("You are thorough but pragmatic: you flag real problems, not style nitpicks a linter would catch. ")
	b.WriteString("You always respond with a single JSON object and nothing else.")
	return b.String()
}

// BuildPrompt assembles the user prompt: PR metadata, the budgeted diff,
// and the output contract the parser expects.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Review the following pull request in %s/%s.\n\n", in.Owner, in.Repo)
	fmt.Fprintf(&b, "Title: %s\n", in.Title)
	if body := strings.TrimSpace(in.Body); body != "" {
		if len(body) > 2000 {
			body = body[:2000] + "\n[description truncated]"
		}
		fmt.Fprintf(&b, "Description:\n%s\n", body)
	}
	b.WriteString("\n")

	if in.Instructions != "" {
		fmt.Fprintf(&b, "Repository-specific review guidance:\n%s\n\n", strings.TrimSpace(in.Instructions))
	}

	b.WriteString("Changed files:\n\n")
	for _, f := range in.Diff.Files {
		fmt.Fprintf(&b, "### %s (%s, +%d -%d)\n", f.Filename, f.Status, f.Additions, f.Deletions)
		if f.Patch == "" {
			b.WriteString("(no textual diff available)\n\n")
			continue
		}
		b.WriteString("```diff\n")
		b.WriteString(f.Patch)
		if !strings.HasSuffix(f.Patch, "\n") {
			b.WriteString("\n")
		}
		if f.Truncated {
			b.WriteString("[diff truncated]\n")
		}
		b.WriteString("```\n\n")
	}

	if in.Diff.OmittedFiles > 0 {
		fmt.Fprintf(&b, "Note: %d additional changed file(s) were omitted to fit the size budget: %s. ",
			in.Diff.OmittedFiles, strings.Join(in.Diff.OmittedNames, ", "))
		b.WriteString("Judge only what is shown.\n\n")
	} else if in.Diff.Truncated {
		b.WriteString("Note: some diffs above were truncated. Judge only what is shown.\n\n")
	}

	b.WriteString(`Respond with exactly one JSON object in this shape:
{
  "overallScore": <number from 0 to 10>,
  "summary": "<two or three sentence assessment>",
  "issues": [
    {
      "severity": "critical|high|medium|low",
      "type": "bug|security|performance|maintainability|general",
      "file": "<path>",
      "line": <number or 0>,
      "message": "<what is wrong>",
      "suggestion": "<how to fix it>"
    }
  ],
  "suggestions": [
    {"description": "<improvement>", "file": "<path or empty>", "priority": "high|medium|low"}
  ]
}

Use empty arrays when there is nothing to report. Do not wrap the JSON in markdown fences or add any prose.`)

	return b.String()
}
