package worker

import (
	"fmt"
	"sort"
	"strings"

	"aifixd/internal/hosting"
)

// buildIssuePrompt composes the subprocess prompt for a processIssue job
// (spec.md §6): repo identity, branch name, model, pre-fetched issue data,
// a fixed step list, and explicit git/PR prohibitions so the subprocess
// never fights the worker over commit/push/PR ownership.
func buildIssuePrompt(owner, repo, branch, model string, issue *hosting.Issue, comments []hosting.Comment, retryNotice string) string {
	var b strings.Builder

	if retryNotice != "" {
		fmt.Fprintf(&b, "RETRY NOTICE: %s\n\n", retryNotice)
	}

	fmt.Fprintf(&b, `You are working in the repository %s/%s, on branch %s.
Target model: %s.

ISSUE #%d: %s

%s
`, owner, repo, branch, model, issue.Number, issue.Title, issue.Body)

	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels: %s\n", strings.Join(issue.Labels, ", "))
	}

	nonBot := filterNonBotComments(comments)
	if len(nonBot) > 0 {
		b.WriteString("\nExisting comments:\n")
		for _, c := range nonBot {
			fmt.Fprintf(&b, "- %s: %s\n", c.Author, c.Body)
		}
	}

	b.WriteString(`
STEPS:
1. Read the issue carefully and locate the relevant code.
2. Search the codebase to understand the surrounding context and conventions.
3. Implement a focused fix or change that resolves the issue.

PROHIBITIONS:
- Do NOT run "git commit", "git push", "git init", "rm -rf .git", or any other
  git workflow command. The worktree's git state is managed externally.
- Do NOT open, edit, or close a pull request.
- Commit, push, and PR creation are handled by the worker after you finish.
`)

	return b.String()
}

func filterNonBotComments(comments []hosting.Comment) []hosting.Comment {
	var out []hosting.Comment
	for _, c := range comments {
		if !c.IsBot {
			out = append(out, c)
		}
	}
	return out
}

// buildPRFollowupPrompt composes the prompt for a processPrComments job
// (spec.md §4.8 step 4): the combined unprocessed comments, a
// reverse-chronological history excerpt, repo identity, worktree path, and
// explicit instructions to apply only the new request.
func buildPRFollowupPrompt(owner, repo, worktreePath string, unprocessed []string, history []hosting.Comment) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are continuing work in the repository %s/%s.
Worktree: %s

NEW REQUEST(S) TO APPLY:
`, owner, repo, worktreePath)

	for _, u := range unprocessed {
		fmt.Fprintf(&b, "- %s\n", u)
	}

	if len(history) > 0 {
		b.WriteString("\nRECENT COMMENT HISTORY (most recent first):\n")
		ordered := append([]hosting.Comment(nil), history...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.After(ordered[j].CreatedAt) })
		for _, c := range ordered {
			fmt.Fprintf(&b, "- %s: %s\n", c.Author, c.Body)
		}
	}

	b.WriteString(`
INSTRUCTIONS:
- Apply only the new request(s) listed above; do not re-do prior work.
- Do NOT run "git commit", "git push", or open a pull request yourself.
- Commit and push are handled externally after you finish.
`)

	return b.String()
}

// buildEmergencyPRPrompt is the short PR-only re-invocation used by the
// final PR validation step (spec.md §4.7 step 8) when the branch has
// commits but no PR was created.
func buildEmergencyPRPrompt(owner, repo, branch string) string {
	return fmt.Sprintf(`The changes on branch %s in %s/%s were already committed and pushed
in a prior step, but no pull request was created. Do not make any further
code changes. This is a no-op check-in only.`, branch, owner, repo)
}
