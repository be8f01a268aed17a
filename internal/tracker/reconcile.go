package tracker

import (
	"slices"
	"time"

	"visualgen/internal/domain"
)

// applyUpdate merges candidate items into held, in place, and returns the
// items that changed in held order. Every poll response and push event goes
// through here.
//
// Rules, per candidate:
//   - types not already held are ignored; the item set is fixed at merge time.
//   - a held terminal item is replaced only by a terminal candidate with a
//     strictly newer generatedAt. Equal or missing timestamps keep the held one.
//   - a non-terminal candidate never moves an item backwards
//     (terminal > processing > pending).
//   - a terminal candidate for an item under retry must be newer than the
//     failure that was retried (floors), otherwise it is a stale report.
//
// Applying the same candidate twice, or two candidates in either order,
// gives the same result.
func applyUpdate(held []domain.VisualItem, candidates []domain.VisualItem, floors map[string]time.Time) []domain.VisualItem {
	var changedIdx []int
	for _, cand := range candidates {
		if !cand.Status.Valid() {
			continue
		}
		idx := indexOf(held, cand.Type)
		if idx < 0 {
			continue
		}
		cur := held[idx]
		if !adopt(cur, cand, floors) {
			continue
		}
		cand = normalize(cand)
		if sameItem(cand, cur) {
			continue
		}
		held[idx] = cand
		if cand.Status.Terminal() {
			delete(floors, cand.Type)
		}
		if !slices.Contains(changedIdx, idx) {
			changedIdx = append(changedIdx, idx)
		}
	}

	if len(changedIdx) == 0 {
		return nil
	}
	slices.Sort(changedIdx)
	changed := make([]domain.VisualItem, 0, len(changedIdx))
	for _, idx := range changedIdx {
		changed = append(changed, held[idx])
	}
	return changed
}

func adopt(cur, cand domain.VisualItem, floors map[string]time.Time) bool {
	if cur.Status.Terminal() {
		return cand.Status.Terminal() && cand.GeneratedAt.After(cur.GeneratedAt)
	}
	if cand.Status.Terminal() {
		if floor, ok := floors[cand.Type]; ok && !floor.IsZero() && !cand.GeneratedAt.After(floor) {
			return false
		}
		return true
	}
	return rank(cand.Status) > rank(cur.Status)
}

func rank(s domain.ItemStatus) int {
	switch s {
	case domain.ItemStatusPending:
		return 0
	case domain.ItemStatusProcessing:
		return 1
	default:
		return 2
	}
}

// normalize drops fields that do not belong to the candidate's status.
func normalize(item domain.VisualItem) domain.VisualItem {
	switch item.Status {
	case domain.ItemStatusCompleted:
		item.Error = ""
	case domain.ItemStatusFailed:
		item.ImageURL = ""
	default:
		item.ImageURL = ""
		item.Error = ""
		item.GeneratedAt = time.Time{}
	}
	return item
}

// aggregateStatus derives the job status from its items: terminal only once
// every item is terminal, and failed only when nothing completed.
func aggregateStatus(items []domain.VisualItem) domain.JobStatus {
	if len(items) == 0 {
		return domain.JobStatusProcessing
	}
	failed := 0
	for _, item := range items {
		if !item.Status.Terminal() {
			return domain.JobStatusProcessing
		}
		if item.Status == domain.ItemStatusFailed {
			failed++
		}
	}
	if failed == len(items) {
		return domain.JobStatusFailed
	}
	return domain.JobStatusCompleted
}

func indexOf(items []domain.VisualItem, itemType string) int {
	for i, item := range items {
		if item.Type == itemType {
			return i
		}
	}
	return -1
}

func sameItem(a, b domain.VisualItem) bool {
	return a.Type == b.Type &&
		a.Status == b.Status &&
		a.ImageURL == b.ImageURL &&
		a.Error == b.Error &&
		a.GeneratedAt.Equal(b.GeneratedAt)
}
