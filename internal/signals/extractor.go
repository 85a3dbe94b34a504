// Package signals decides whether autonomous work is warranted: a
// deterministic extractor, a single-call reasoner and an executor that applies
// the surviving actions.
package signals

import (
	"context"
	"sort"
	"time"

	"driftline/internal/config"
	"driftline/internal/domain"
	"driftline/internal/repo"
	"driftline/internal/tools"
)

type ItemDigest struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Title      string    `json:"title,omitempty"`
	Author     string    `json:"author,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Snippet    string    `json:"snippet"`
}

type PlatformDigest struct {
	Platform       domain.Platform `json:"platform"`
	Window         string          `json:"window"`
	ItemCount      int             `json:"item_count"`
	ResourceCounts map[string]int  `json:"resource_counts"`
	Items          []ItemDigest    `json:"items"`
}

// Summary is the structured, per-owner input to the reasoner.
type Summary struct {
	OwnerID     string           `json:"owner_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Platforms   []PlatformDigest `json:"platforms"`
	TotalItems  int              `json:"total_items"`
}

// Empty reports whether the summary carries no content at all.
func (s Summary) Empty() bool {
	return s.TotalItems == 0
}

// ItemIDs returns every item id in the summary.
func (s Summary) ItemIDs() map[string]bool {
	ids := map[string]bool{}
	for _, p := range s.Platforms {
		for _, it := range p.Items {
			ids[it.ID] = true
		}
	}
	return ids
}

// Extractor reads bounded per-platform windows. It never calls a model.
type Extractor struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func (x Extractor) now() time.Time {
	if x.Now == nil {
		return time.Now().UTC()
	}
	return x.Now().UTC()
}

// Extract builds the owner's summary. Owners without an active connection get
// an empty summary.
func (x Extractor) Extract(ctx context.Context, ownerID string) (Summary, error) {
	now := x.now()
	s := Summary{OwnerID: ownerID, GeneratedAt: now, Platforms: []PlatformDigest{}}
	conns, err := x.Repo.ListConnections(ctx, ownerID, true)
	if err != nil {
		return s, err
	}
	if len(conns) == 0 {
		return s, nil
	}
	previewChars := x.Config.Signals.PreviewChars
	if previewChars <= 0 {
		previewChars = 300
	}
	for _, c := range conns {
		pc := x.Config.Platform(c.Platform)
		items, err := x.Repo.QueryContent(ctx, repo.ContentQuery{
			OwnerID:  ownerID,
			Platform: c.Platform,
			Since:    now.Add(-pc.SignalWindow),
			Limit:    pc.SignalCap,
		})
		if err != nil {
			return s, err
		}
		d := PlatformDigest{
			Platform:       c.Platform,
			Window:         pc.SignalWindow.String(),
			ItemCount:      len(items),
			ResourceCounts: map[string]int{},
			Items:          make([]ItemDigest, 0, len(items)),
		}
		for _, it := range items {
			d.ResourceCounts[it.ResourceID]++
			d.Items = append(d.Items, ItemDigest{
				ID:         it.ID,
				ResourceID: it.ResourceID,
				Title:      it.Title,
				Author:     it.Author,
				Timestamp:  it.SourceTimestamp,
				Snippet:    tools.Truncate(it.Payload, previewChars),
			})
		}
		s.TotalItems += len(items)
		s.Platforms = append(s.Platforms, d)
	}
	sort.Slice(s.Platforms, func(i, j int) bool { return s.Platforms[i].Platform < s.Platforms[j].Platform })
	return s, nil
}
