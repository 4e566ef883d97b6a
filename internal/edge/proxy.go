package edge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// Options configures a Handler.
type Options struct {
	// ArtifactRoot is the base URL under which every project's output lives
	// at /{projectId}/.
	ArtifactRoot    string
	EntryDocument   string
	CookieName      string
	CookieTTL       time.Duration
	CookieSecure    bool
	ReservedNames   []string
	UpstreamTimeout time.Duration
}

// Handler resolves each request to one project and reverse-proxies it to the
// project's artifact tree.
type Handler struct {
	strategies []Strategy
	root       *url.URL
	entry      string
	cookieName string
	cookieTTL  time.Duration
	secure     bool
	proxy      *httputil.ReverseProxy
	logger     *slog.Logger
}

type projectKey struct{}

// NewHandler builds the resolution chain: path slug, then referer slug, then
// affinity cookie.
func NewHandler(lookup Lookup, opts Options, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.ArtifactRoot), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse artifact root: %w", err)
	}
	if root.Scheme == "" || root.Host == "" {
		return nil, fmt.Errorf("artifact root %q must be an absolute URL", opts.ArtifactRoot)
	}
	if opts.EntryDocument == "" {
		opts.EntryDocument = "index.html"
	}
	if opts.CookieName == "" {
		opts.CookieName = "activeProject"
	}
	if opts.CookieTTL <= 0 {
		opts.CookieTTL = 15 * time.Minute
	}
	reserved := NewReserved(opts.ReservedNames)

	h := &Handler{
		strategies: []Strategy{
			PathSlug(lookup, reserved),
			RefererSlug(lookup, reserved),
			AffinityCookie(lookup, opts.CookieName),
		},
		root:       root,
		entry:      opts.EntryDocument,
		cookieName: opts.CookieName,
		cookieTTL:  opts.CookieTTL,
		secure:     opts.CookieSecure,
		logger:     logger.With("component", "edge"),
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		Transport:    newTransport(opts.UpstreamTimeout),
		ErrorHandler: h.proxyError,
	}
	return h, nil
}

func newTransport(timeout time.Duration) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	if timeout > 0 {
		t.ResponseHeaderTimeout = timeout
	}
	return t
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	match, ok, err := Resolve(req.Context(), req, h.strategies)
	if err != nil {
		lookupErrors.Inc()
		h.logger.Error("project lookup failed", "path", req.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !ok {
		notFound.Inc()
		http.Error(w, "Project not found", http.StatusNotFound)
		return
	}
	resolutions.WithLabelValues(string(match.Source)).Inc()
	http.SetCookie(w, h.affinityCookie(match.Project.ID))

	out := req.Clone(context.WithValue(req.Context(), projectKey{}, match.Project.ID))
	out.URL.Path = RewritePath(req.URL.Path, match, h.entry)
	out.URL.RawPath = ""
	h.logger.Debug("resolved request",
		"slug", match.Project.Slug,
		"project_id", match.Project.ID,
		"source", match.Source,
		"path", req.URL.Path,
		"upstream_path", out.URL.Path,
	)
	h.proxy.ServeHTTP(w, out)
}

func (h *Handler) affinityCookie(projectID string) *http.Cookie {
	return &http.Cookie{
		Name:     h.cookieName,
		Value:    projectID,
		Path:     "/",
		MaxAge:   int(h.cookieTTL / time.Second),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Target returns the artifact base URL of a project.
func (h *Handler) Target(projectID string) *url.URL {
	return h.root.JoinPath(projectID)
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	projectID, _ := pr.In.Context().Value(projectKey{}).(string)
	pr.SetURL(h.Target(projectID))
	pr.SetXForwarded()
	// The artifact store has no use for visitor cookies.
	pr.Out.Header.Del("Cookie")
}

func (h *Handler) proxyError(w http.ResponseWriter, req *http.Request, err error) {
	proxyErrors.Inc()
	projectID, _ := req.Context().Value(projectKey{}).(string)
	h.logger.Error("artifact proxy failed", "project_id", projectID, "path", req.URL.Path, "error", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
