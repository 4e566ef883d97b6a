// Package edge resolves public requests to a project and proxies them to the
// project's built artifacts.
package edge

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gosimple/slug"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// Source names the strategy that produced a match.
type Source string

// Match sources in priority order.
const (
	SourcePath    Source = "path"
	SourceReferer Source = "referer"
	SourceCookie  Source = "cookie"
)

// Match is a resolved project and how it was found.
type Match struct {
	Project domain.Project
	Source  Source
	// Slug is the path segment that matched; empty for cookie matches.
	Slug string
}

// Lookup finds projects. Misses are reported as repository.ErrNotFound.
type Lookup interface {
	BySlug(ctx context.Context, slug string) (*domain.Project, error)
	ByID(ctx context.Context, id string) (*domain.Project, error)
}

// Strategy tries to resolve a request. ok is false when the strategy has no
// opinion; err is reserved for lookup failures.
type Strategy func(ctx context.Context, req *http.Request) (match Match, ok bool, err error)

// Reserved is a set of first path segments that are never slugs.
type Reserved map[string]struct{}

// NewReserved builds a reserved set, ignoring case.
func NewReserved(names []string) Reserved {
	out := make(Reserved, len(names))
	for _, name := range names {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}

// SlugCandidate returns the first segment of path when it can name a project.
// Reserved names, dotted segments (file names) and anything that is not a slug
// are rejected.
func SlugCandidate(path string, reserved Reserved) (string, bool) {
	first, _, _ := strings.Cut(strings.TrimLeft(path, "/"), "/")
	if first == "" || strings.Contains(first, ".") {
		return "", false
	}
	if _, skip := reserved[strings.ToLower(first)]; skip {
		return "", false
	}
	if !slug.IsSlug(first) {
		return "", false
	}
	return first, true
}

// RefererCandidate applies SlugCandidate to the path of a Referer header.
func RefererCandidate(referer string, reserved Reserved) (string, bool) {
	referer = strings.TrimSpace(referer)
	if referer == "" {
		return "", false
	}
	u, err := url.Parse(referer)
	if err != nil {
		return "", false
	}
	return SlugCandidate(u.Path, reserved)
}

// CookieCandidate returns the project id carried by the affinity cookie.
func CookieCandidate(req *http.Request, name string) (string, bool) {
	c, err := req.Cookie(name)
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(c.Value)
	if id == "" || len(id) > 64 {
		return "", false
	}
	return id, true
}

// PathSlug resolves the first path segment as a slug.
func PathSlug(lookup Lookup, reserved Reserved) Strategy {
	return func(ctx context.Context, req *http.Request) (Match, bool, error) {
		candidate, ok := SlugCandidate(req.URL.Path, reserved)
		if !ok {
			return Match{}, false, nil
		}
		return bySlug(ctx, lookup, candidate, SourcePath)
	}
}

// RefererSlug resolves asset requests made from a page under a slug.
func RefererSlug(lookup Lookup, reserved Reserved) Strategy {
	return func(ctx context.Context, req *http.Request) (Match, bool, error) {
		candidate, ok := RefererCandidate(req.Referer(), reserved)
		if !ok {
			return Match{}, false, nil
		}
		return bySlug(ctx, lookup, candidate, SourceReferer)
	}
}

// AffinityCookie resolves through a previously issued affinity cookie.
func AffinityCookie(lookup Lookup, cookieName string) Strategy {
	return func(ctx context.Context, req *http.Request) (Match, bool, error) {
		id, ok := CookieCandidate(req, cookieName)
		if !ok {
			return Match{}, false, nil
		}
		project, err := lookup.ByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return Match{}, false, nil
		}
		if err != nil {
			return Match{}, false, err
		}
		return Match{Project: *project, Source: SourceCookie}, true, nil
	}
}

func bySlug(ctx context.Context, lookup Lookup, candidate string, source Source) (Match, bool, error) {
	project, err := lookup.BySlug(ctx, candidate)
	if errors.Is(err, repository.ErrNotFound) {
		return Match{}, false, nil
	}
	if err != nil {
		return Match{}, false, err
	}
	return Match{Project: *project, Source: source, Slug: candidate}, true, nil
}

// Resolve runs strategies in order; the first match wins.
func Resolve(ctx context.Context, req *http.Request, strategies []Strategy) (Match, bool, error) {
	for _, strategy := range strategies {
		match, ok, err := strategy(ctx, req)
		if err != nil {
			return Match{}, false, err
		}
		if ok {
			return match, true, nil
		}
	}
	return Match{}, false, nil
}

// RewritePath maps the inbound path onto the project's artifact tree. Only path
// matches carry the slug segment, so only they have it stripped.
func RewritePath(path string, match Match, entryDocument string) string {
	if match.Source == SourcePath && match.Slug != "" {
		path = strings.TrimPrefix(strings.TrimLeft(path, "/"), match.Slug)
	}
	if path == "" || path == "/" {
		return "/" + strings.TrimLeft(entryDocument, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
