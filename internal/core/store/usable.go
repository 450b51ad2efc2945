package store

import (
	"context"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/metrics"
)

// usableView is the published set of credential values that may be offered
// to the selector, split by tier.
type usableView struct {
	all     []string
	normal  []string
	premium []string
}

// Usable returns the values of the credentials currently eligible for
// selection. An empty kind returns every tier. The slice must not be modified.
func (s *Store) Usable(kind core.Kind) []string {
	if s == nil {
		return nil
	}
	view := s.view.Load()
	if view == nil {
		return nil
	}
	switch kind {
	case core.KindNormal:
		return view.normal
	case core.KindPremium:
		return view.premium
	default:
		return view.all
	}
}

// Refresh reloads the usable view from storage.
func (s *Store) Refresh(ctx context.Context) error {
	return s.refresh(ctx)
}

func (s *Store) refresh(ctx context.Context) error {
	creds, err := s.AllCredentials(ctx)
	if err != nil {
		return err
	}

	enforced := s.enforced.Load()
	view := &usableView{}
	for _, c := range creds {
		if !c.Enabled || (enforced && c.Throttle.RateLimited) {
			continue
		}
		view.all = append(view.all, c.Value)
		if c.Kind == core.KindPremium {
			view.premium = append(view.premium, c.Value)
		} else {
			view.normal = append(view.normal, c.Value)
		}
	}
	s.view.Store(view)

	metrics.SetUsableCredentials(string(core.KindNormal), len(view.normal))
	metrics.SetUsableCredentials(string(core.KindPremium), len(view.premium))
	return nil
}

// Stats summarizes the credential pool.
func (s *Store) Stats(ctx context.Context) (core.PoolStats, error) {
	creds, err := s.AllCredentials(ctx)
	if err != nil {
		return core.PoolStats{}, err
	}

	var stats core.PoolStats
	for _, c := range creds {
		stats.Total++
		if c.Enabled {
			stats.Enabled++
		}
		if c.Throttle.RateLimited {
			stats.RateLimited++
		}
		if c.Usable() {
			stats.Available++
		}
		if c.Kind == core.KindPremium {
			stats.Premium++
		} else {
			stats.Normal++
		}
	}
	return stats, nil
}
