package edge

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// CachedLookup answers slug and id lookups from a short-lived cache in front of
// the project store. Only hits are cached, so a project created after a miss is
// visible on the next request. Concurrent misses for the same key share one
// store query.
type CachedLookup struct {
	projects repository.ProjectRepository
	cache    *expirable.LRU[string, domain.Project]
	group    singleflight.Group
	timeout  time.Duration
}

// NewCachedLookup wraps projects. A non-positive size disables caching.
func NewCachedLookup(projects repository.ProjectRepository, size int, ttl, timeout time.Duration) *CachedLookup {
	l := &CachedLookup{projects: projects, timeout: timeout}
	if size > 0 {
		l.cache = expirable.NewLRU[string, domain.Project](size, nil, ttl)
	}
	return l
}

// BySlug resolves a project by its public slug.
func (l *CachedLookup) BySlug(ctx context.Context, slug string) (*domain.Project, error) {
	return l.load(ctx, "slug:"+slug, func(ctx context.Context) (*domain.Project, error) {
		return l.projects.GetProjectBySlug(ctx, slug)
	})
}

// ByID resolves a project by id.
func (l *CachedLookup) ByID(ctx context.Context, id string) (*domain.Project, error) {
	return l.load(ctx, "id:"+id, func(ctx context.Context) (*domain.Project, error) {
		return l.projects.GetProjectByID(ctx, id)
	})
}

func (l *CachedLookup) load(ctx context.Context, key string, fetch func(context.Context) (*domain.Project, error)) (*domain.Project, error) {
	if l.cache != nil {
		if p, ok := l.cache.Get(key); ok {
			cacheHits.Inc()
			return &p, nil
		}
	}
	cacheMisses.Inc()
	v, err, _ := l.group.Do(key, func() (any, error) {
		// Detached so one cancelled caller does not fail everyone sharing the call.
		qctx := context.WithoutCancel(ctx)
		if l.timeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(qctx, l.timeout)
			defer cancel()
		}
		p, err := fetch(qctx)
		if err != nil {
			return nil, err
		}
		if l.cache != nil {
			l.cache.Add("slug:"+p.Slug, *p)
			l.cache.Add("id:"+p.ID, *p)
		}
		return *p, nil
	})
	if err != nil {
		return nil, err
	}
	p := v.(domain.Project)
	return &p, nil
}
