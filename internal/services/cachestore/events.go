package cachestore

import (
	"sort"

	"github.com/BearBump/TrackSync/internal/models"
)

// MergeEvents appends the events of incoming that are not already in
// existing (by code and timestamp) and trims the history to the newest max
// entries. It returns the merged history and the events actually added.
func MergeEvents(existing, incoming []models.TrackingEvent, max int) ([]models.TrackingEvent, []models.TrackingEvent) {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, ev := range existing {
		seen[ev.Key()] = struct{}{}
	}

	var added []models.TrackingEvent
	for _, ev := range incoming {
		k := ev.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		added = append(added, ev)
	}
	sort.SliceStable(added, func(i, j int) bool {
		return added[i].Timestamp.Before(added[j].Timestamp)
	})

	merged := make([]models.TrackingEvent, 0, len(existing)+len(added))
	merged = append(merged, existing...)
	merged = append(merged, added...)
	if max > 0 && len(merged) > max {
		merged = append([]models.TrackingEvent(nil), merged[len(merged)-max:]...)
	}
	return merged, added
}
