package engine

import (
	"context"
	"fmt"
	"time"

	"driftline/internal/domain"
	"driftline/internal/repo"
)

// gathered is the context a strategy hands to prompt assembly.
type gathered struct {
	Items     []domain.ContentItem
	Directive string
	Rounds    int
}

// freshnessSources returns the scope checked for new content, and whether the
// binding is subject to the freshness check at all.
func freshnessSources(w domain.StandingWork) ([]domain.Source, bool) {
	switch w.Binding {
	case domain.BindingPlatformBound:
		return w.Sources, true
	case domain.BindingCrossPlatform:
		return w.Sources, true
	case domain.BindingResearch, domain.BindingHybrid:
		return nil, false
	default:
		return nil, false
	}
}

// gather selects context items by binding.
func (e Engine) gather(ctx context.Context, w domain.StandingWork) (gathered, error) {
	g := gathered{Rounds: e.Config.Engine.Rounds[w.Binding]}
	if g.Rounds <= 0 {
		g.Rounds = 1
	}
	limit := e.Config.Engine.ContextLimit
	if limit <= 0 {
		limit = 50
	}
	switch w.Binding {
	case domain.BindingPlatformBound:
		if len(w.Sources) != 1 {
			return g, domain.ValidationError{Code: "invalid_sources", Field: "sources", Message: "platform_bound work needs exactly one platform source"}
		}
		items, err := e.fromSources(ctx, w.OwnerID, w.Sources, limit)
		if err != nil {
			return g, err
		}
		g.Items = items
	case domain.BindingCrossPlatform:
		sources, err := e.connectedSources(ctx, w)
		if err != nil {
			return g, err
		}
		items, err := e.fromSources(ctx, w.OwnerID, sources, limit)
		if err != nil {
			return g, err
		}
		g.Items = items
	case domain.BindingResearch, domain.BindingHybrid:
		sources := w.Sources
		if w.Binding == domain.BindingHybrid && len(sources) == 0 {
			var err error
			if sources, err = e.connectedSources(ctx, w); err != nil {
				return g, err
			}
		}
		if len(sources) > 0 {
			items, err := e.fromSources(ctx, w.OwnerID, sources, limit/2)
			if err != nil {
				return g, err
			}
			g.Items = items
		}
		g.Directive = w.ResearchDirective
		if g.Directive == "" {
			g.Directive = w.Description
		}
		if g.Directive == "" {
			g.Directive = w.Title
		}
	default:
		return g, domain.ValidationError{Code: "invalid_binding", Field: "binding", Message: fmt.Sprintf("unknown binding %q", w.Binding)}
	}
	return g, nil
}

// connectedSources returns one source per active connection, narrowed to the
// work's own sources when it lists any.
func (e Engine) connectedSources(ctx context.Context, w domain.StandingWork) ([]domain.Source, error) {
	conns, err := e.Repo.ListConnections(ctx, w.OwnerID, true)
	if err != nil {
		return nil, err
	}
	listed := map[domain.Platform]domain.Source{}
	for _, s := range w.Sources {
		listed[s.Platform] = s
	}
	var out []domain.Source
	for _, c := range conns {
		if len(listed) == 0 {
			out = append(out, domain.Source{Platform: c.Platform})
			continue
		}
		if s, ok := listed[c.Platform]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// fromSources splits limit evenly across sources and reads the newest items
// inside the lookback window.
func (e Engine) fromSources(ctx context.Context, ownerID string, sources []domain.Source, limit int) ([]domain.ContentItem, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	per := limit / len(sources)
	if per < 1 {
		per = 1
	}
	var since time.Time
	if lb := e.Config.Engine.Lookback; lb > 0 {
		since = e.now().Add(-lb)
	}
	var out []domain.ContentItem
	for _, s := range sources {
		items, err := e.Repo.QueryContent(ctx, repo.ContentQuery{
			OwnerID:     ownerID,
			Platform:    s.Platform,
			ResourceIDs: s.ResourceIDs,
			Since:       since,
			Limit:       per,
		})
		if err != nil {
			return nil, fmt.Errorf("gather %s: %w", s.Platform, err)
		}
		out = append(out, items...)
	}
	return out, nil
}
