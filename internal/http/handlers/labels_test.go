package handlers

import (
	"testing"
	"time"

	"visualgen/internal/domain"
)

func TestItemLabel(t *testing.T) {
	tests := []struct {
		locale, itemType, want string
	}{
		{"en", "main_visual", "Main Visual"},
		{"en", "flat-lay", "Flat Lay"},
		{"id", "lifestyle", "Gaya Hidup"},
		{"id", "hero_shot", "Hero Shot"},
		{"en", "", ""},
	}
	for _, tc := range tests {
		if got := itemLabel(tc.locale, tc.itemType); got != tc.want {
			t.Fatalf("itemLabel(%q, %q) = %q, want %q", tc.locale, tc.itemType, got, tc.want)
		}
	}
}

func TestStatusLabelFallsBack(t *testing.T) {
	if got := statusLabel("id", "failed"); got != "Gagal" {
		t.Fatalf("statusLabel(id, failed) = %q", got)
	}
	if got := statusLabel("fr", "draft"); got != "Draft" {
		t.Fatalf("statusLabel(fr, draft) = %q", got)
	}
}

func TestNewJobViewCounts(t *testing.T) {
	job := domain.GenerationJob{
		ID:     "job-1",
		Status: domain.JobStatusCompleted,
		Items: []domain.VisualItem{
			{Type: "main_visual", Status: domain.ItemStatusCompleted, GeneratedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
			{Type: "lifestyle", Status: domain.ItemStatusFailed, Error: "boom"},
			{Type: "detail", Status: domain.ItemStatusFailed},
		},
	}
	view := newJobView("en", job)
	if view.CompletedCount != 3 || view.TotalCount != 3 || view.ProgressPercent != 100 {
		t.Fatalf("view = %+v", view)
	}
	if view.Items[1].Error != "boom" || view.Items[0].StatusLabel != "Done" {
		t.Fatalf("items = %+v", view.Items)
	}
}
