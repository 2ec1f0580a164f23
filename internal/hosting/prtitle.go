package hosting

import "strings"

// MaxGitHubPRTitleLength is GitHub's hard limit on PR title length.
const MaxGitHubPRTitleLength = 256

// PRTitleValidationResult is the teacher's pr_utils.go result shape, kept
// verbatim: a title truncated to fit GitHub's limit, plus a description
// prefix carrying whatever had to be cut.
type PRTitleValidationResult struct {
	Title             string
	DescriptionPrefix string
}

// ValidateAndTruncatePRTitle truncates title to MaxGitHubPRTitleLength - 3
// (reserving room for "..."), prepending the full original title to the PR
// description so no information is silently lost.
func ValidateAndTruncatePRTitle(title string) PRTitleValidationResult {
	if len(title) <= MaxGitHubPRTitleLength {
		return PRTitleValidationResult{Title: title}
	}

	cutoff := MaxGitHubPRTitleLength - 3
	truncated := strings.TrimSpace(title[:cutoff]) + "..."
	prefix := "**Full title:** " + title

	return PRTitleValidationResult{Title: truncated, DescriptionPrefix: prefix}
}

// Body composes the final PR body from the validated description prefix
// (if any) and the original description.
func (r PRTitleValidationResult) Body(description string) string {
	if r.DescriptionPrefix == "" {
		return description
	}
	return r.DescriptionPrefix + "\n\n---\n\n" + description
}
