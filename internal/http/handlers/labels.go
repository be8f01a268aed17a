package handlers

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"visualgen/internal/domain"
	"visualgen/internal/middleware"
)

var itemLabelsID = map[string]string{
	"main_visual": "Visual Utama",
	"lifestyle":   "Gaya Hidup",
	"detail":      "Detail Produk",
	"packaging":   "Kemasan",
	"flat_lay":    "Tata Letak Datar",
	"in_use":      "Saat Digunakan",
	"banner":      "Spanduk",
}

var statusLabels = map[string]map[string]string{
	"en": {
		"pending":    "Waiting",
		"processing": "Generating",
		"merged":     "Prompts ready",
		"completed":  "Done",
		"failed":     "Failed",
	},
	"id": {
		"pending":    "Menunggu",
		"processing": "Sedang dibuat",
		"merged":     "Prompt siap",
		"completed":  "Selesai",
		"failed":     "Gagal",
	},
}

// itemLabel renders an item type such as "main_visual" for display.
func itemLabel(locale, itemType string) string {
	if locale == "id" {
		if label, ok := itemLabelsID[itemType]; ok {
			return label
		}
	}
	words := strings.Join(strings.FieldsFunc(itemType, func(r rune) bool { return r == '_' || r == '-' }), " ")
	return cases.Title(middleware.LanguageTag(locale)).String(words)
}

func statusLabel(locale, status string) string {
	if byStatus, ok := statusLabels[locale]; ok {
		if label, ok := byStatus[status]; ok {
			return label
		}
	}
	return cases.Title(language.English).String(status)
}

type itemView struct {
	Type        string `json:"type"`
	Label       string `json:"label"`
	Status      string `json:"status"`
	StatusLabel string `json:"statusLabel"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Error       string `json:"error,omitempty"`
	GeneratedAt string `json:"generatedAt,omitempty"`
}

type jobView struct {
	JobID           string     `json:"jobId"`
	Status          string     `json:"status"`
	StatusLabel     string     `json:"statusLabel"`
	Items           []itemView `json:"items"`
	CompletedCount  int        `json:"completedCount"`
	TotalCount      int        `json:"totalCount"`
	ProgressPercent int        `json:"progressPercent"`
	CreatedAt       string     `json:"createdAt"`
	UpdatedAt       string     `json:"updatedAt"`
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func newJobView(locale string, job domain.GenerationJob) jobView {
	done, total := job.Counts()
	view := jobView{
		JobID:           job.ID,
		Status:          string(job.Status),
		StatusLabel:     statusLabel(locale, string(job.Status)),
		Items:           make([]itemView, 0, len(job.Items)),
		CompletedCount:  done,
		TotalCount:      total,
		ProgressPercent: job.ProgressPercent(),
		CreatedAt:       job.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:       job.UpdatedAt.UTC().Format(timeLayout),
	}
	for _, item := range job.Items {
		iv := itemView{
			Type:        item.Type,
			Label:       itemLabel(locale, item.Type),
			Status:      string(item.Status),
			StatusLabel: statusLabel(locale, string(item.Status)),
			ImageURL:    item.ImageURL,
			Error:       item.Error,
		}
		if !item.GeneratedAt.IsZero() {
			iv.GeneratedAt = item.GeneratedAt.UTC().Format(timeLayout)
		}
		view.Items = append(view.Items, iv)
	}
	return view
}
