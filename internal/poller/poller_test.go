package poller

import (
	"regexp"
	"testing"
	"time"

	"aifixd/internal/config"
	"aifixd/internal/hosting"
)

func TestTargetModelsDefaultsWhenNoLabelMatches(t *testing.T) {
	cfg := &config.Config{DefaultModel: "claude-sonnet-4"}
	re := regexp.MustCompile(`^llm-claude-(.+)$`)

	models := targetModels([]string{"bug", "AI"}, re, cfg)
	if len(models) != 1 || models[0] != "claude-sonnet-4" {
		t.Fatalf("expected default model singleton, got %v", models)
	}
}

func TestTargetModelsResolvesAliases(t *testing.T) {
	cfg := &config.Config{
		DefaultModel: "claude-sonnet-4",
		ModelAliases: map[string]string{"opus": "claude-opus-4"},
	}
	re := regexp.MustCompile(`^llm-claude-(.+)$`)

	models := targetModels([]string{"llm-claude-opus", "llm-claude-haiku"}, re, cfg)
	want := map[string]bool{"claude-opus-4": true, "haiku": true}
	if len(models) != 2 {
		t.Fatalf("expected 2 target models, got %v", models)
	}
	for _, m := range models {
		if !want[m] {
			t.Fatalf("unexpected resolved model %q in %v", m, models)
		}
	}
}

func TestHasLabelCaseInsensitive(t *testing.T) {
	if !hasLabel([]string{"AI-Processing"}, "ai-processing") {
		t.Fatalf("expected case-insensitive label match")
	}
	if hasLabel([]string{"bug"}, "ai-processing") {
		t.Fatalf("expected no match")
	}
}

func TestUnprocessedCommentsFiltersAcknowledgedBotBlacklistAndKeyword(t *testing.T) {
	p := &Poller{cfg: &config.Config{
		BotUsername:               "aifixd-bot",
		UserBlacklist:              []string{"spammer"},
		PRFollowupTriggerKeywords: []string{"please retry", "fix this"},
	}}

	comments := []hosting.Comment{
		{ID: 1, Author: "alice", Body: "can you please retry this", CreatedAt: time.Now()},
		{ID: 2, Author: "aifixd-bot", Body: "Acknowledged 1✓", IsBot: true},
		{ID: 3, Author: "spammer", Body: "please retry this too"},
		{ID: 4, Author: "bob", Body: "looks good to me"},
		{ID: 5, Author: "carol", Body: "fix this please"},
	}

	out := p.unprocessedComments(comments)
	if len(out) != 1 {
		t.Fatalf("expected exactly one unprocessed comment, got %d: %+v", len(out), out)
	}
	if out[0].ID != 5 {
		t.Fatalf("expected comment 5 (carol) to survive, got %+v", out[0])
	}
}

func TestUnprocessedCommentsHonorsWhitelist(t *testing.T) {
	p := &Poller{cfg: &config.Config{
		BotUsername:               "aifixd-bot",
		UserWhitelist:              []string{"trusted"},
		PRFollowupTriggerKeywords: []string{"retry"},
	}}

	comments := []hosting.Comment{
		{ID: 1, Author: "trusted", Body: "please retry"},
		{ID: 2, Author: "stranger", Body: "please retry"},
	}

	out := p.unprocessedComments(comments)
	if len(out) != 1 || out[0].Author != "trusted" {
		t.Fatalf("expected only the whitelisted author to survive, got %+v", out)
	}
}
