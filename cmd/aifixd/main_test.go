package main

import (
	"testing"

	"aifixd/internal/model"
)

func TestJobKind(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want model.JobKind
	}{
		{"issue job", "issue", model.JobKindIssue},
		{"pr comment job", "pr-comment", model.JobKindPRComment},
		{"unknown job name", "task-import", ""},
		{"empty job name", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jobKind(tt.in); got != tt.want {
				t.Errorf("jobKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
