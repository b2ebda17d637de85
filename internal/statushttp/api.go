// Package statushttp serves a read-only JSON view of installed packages,
// what is loaded into the verifier, and their verification failures.
package statushttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/policy"
)

// CatalogProvider supplies the latest scan.
type CatalogProvider interface {
	Get() (*catalog.Snapshot, bool)
}

// LoadedProvider reports what the coordinator has loaded.
type LoadedProvider interface {
	Package(id pkgmeta.ID) (*pkgmeta.Metadata, string, bool)
}

// FailureProvider supplies recorded verification failures.
type FailureProvider interface {
	Get(id pkgmeta.ID) (policy.Record, bool)
}

// API implements the status endpoints.
type API struct {
	catalog  CatalogProvider
	loaded   LoadedProvider
	failures FailureProvider
	logger   log.Logger
}

// NewAPI creates a status API handler. failures may be nil.
func NewAPI(cat CatalogProvider, loaded LoadedProvider, failures FailureProvider, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		catalog:  cat,
		loaded:   loaded,
		failures: failures,
		logger:   logger,
	}
}

// RegisterRoutes attaches status endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("packages.list")).Get("/api/packages", api.HandleList)
	r.With(httpmw.Scope("packages.get")).Get("/api/packages/{id}", api.HandlePackage)
	r.With(httpmw.Scope("packages.classify")).Get("/api/packages/{id}/classify", api.HandleClassify)
}

// PackageSummary is one row of the package list.
type PackageSummary struct {
	ID       pkgmeta.ID      `json:"id"`
	Version  pkgmeta.Version `json:"version"`
	Source   string          `json:"source"`
	Loaded   bool            `json:"loaded"`
	Disabled bool            `json:"disabled"`
	Failures int             `json:"failures"`
}

// ListResponse is the package list.
type ListResponse struct {
	ScannedAt  time.Time           `json:"scanned_at"`
	ServerTime time.Time           `json:"server_time"`
	Packages   []PackageSummary    `json:"packages"`
	ScanErrors []catalog.ScanError `json:"scan_errors,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// FailureDetail is the failure history of one package.
type FailureDetail struct {
	Kinds    []string       `json:"kinds"`
	Reasons  map[string]int `json:"reasons"`
	Failures int            `json:"failures"`
	FirstAt  time.Time      `json:"first_at"`
	LastAt   time.Time      `json:"last_at"`
	Disabled bool           `json:"disabled"`
}

// PackageResponse describes one package.
type PackageResponse struct {
	PackageSummary
	Root                string         `json:"root"`
	LoadedVersion       string         `json:"loaded_version,omitempty"`
	ManifestVersion     int            `json:"manifest_version,omitempty"`
	BackgroundPage      string         `json:"background_page,omitempty"`
	ServiceWorkerScript string         `json:"service_worker_script,omitempty"`
	BackgroundScripts   []string       `json:"background_scripts,omitempty"`
	ContentScripts      []string       `json:"content_scripts,omitempty"`
	FailureDetail       *FailureDetail `json:"failure_detail,omitempty"`
}

// ClassifyResponse is the kind of one path.
type ClassifyResponse struct {
	ID       pkgmeta.ID `json:"id"`
	Path     string     `json:"path"`
	Kind     string     `json:"kind"`
	Verified bool       `json:"verified"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleList serves every installed package.
func (api *API) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC().Truncate(time.Second)

	snap, ok := api.catalog.Get()
	if !ok {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, ListResponse{
			ServerTime: now,
			Packages:   []PackageSummary{},
			Error:      "no scan completed yet",
		})
		return
	}

	resp := ListResponse{
		ScannedAt:  snap.ScannedAt.Truncate(time.Second),
		ServerTime: now,
		Packages:   make([]PackageSummary, 0, snap.Len()),
		ScanErrors: snap.Errors,
	}
	for _, id := range snap.IDs() {
		resp.Packages = append(resp.Packages, api.summary(snap.Packages[id]))
	}

	api.logger.Debug(ctx, "served package list", "packages", len(resp.Packages))
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandlePackage serves one package.
func (api *API) HandlePackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := api.lookup(r)
	if !ok {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "package not found"})
		return
	}

	md := p.Metadata
	resp := PackageResponse{
		PackageSummary:      api.summary(p),
		Root:                p.Root,
		ManifestVersion:     md.ManifestVersion,
		BackgroundPage:      md.BackgroundPage,
		ServiceWorkerScript: md.ServiceWorkerScript,
		BackgroundScripts:   md.BackgroundScripts,
		ContentScripts:      md.ContentScripts,
	}
	if loaded, _, ok := api.loaded.Package(md.ID); ok {
		resp.LoadedVersion = loaded.Version.String()
	}
	if api.failures != nil {
		if rec, ok := api.failures.Get(md.ID); ok {
			resp.FailureDetail = &FailureDetail{
				Kinds:    rec.KindNames(),
				Reasons:  rec.Reasons,
				Failures: rec.Failures,
				FirstAt:  rec.FirstAt,
				LastAt:   rec.LastAt,
				Disabled: rec.Disabled,
			}
		}
	}

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleClassify reports the verified file kind of ?path= in a package.
func (api *API) HandleClassify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := api.lookup(r)
	if !ok {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "package not found"})
		return
	}
	rel := r.URL.Query().Get("path")
	if rel == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "path is required"})
		return
	}

	kind := pkgmeta.Classify(p.Metadata, rel)
	api.writeJSON(ctx, w, http.StatusOK, ClassifyResponse{
		ID:       p.Metadata.ID,
		Path:     pkgmeta.NormalizeRelativePath(rel),
		Kind:     kind.String(),
		Verified: kind.Verifiable() && p.Metadata.Source != pkgmeta.SourceNone,
	})
}

func (api *API) lookup(r *http.Request) (*catalog.Package, bool) {
	snap, ok := api.catalog.Get()
	if !ok {
		return nil, false
	}
	p, ok := snap.Packages[pkgmeta.ID(chi.URLParam(r, "id"))]
	return p, ok
}

func (api *API) summary(p *catalog.Package) PackageSummary {
	md := p.Metadata
	s := PackageSummary{
		ID:      md.ID,
		Version: md.Version,
		Source:  md.Source.String(),
	}
	if loaded, _, ok := api.loaded.Package(md.ID); ok && loaded.Version == md.Version {
		s.Loaded = true
	}
	if api.failures != nil {
		if rec, ok := api.failures.Get(md.ID); ok {
			s.Disabled = rec.Disabled
			s.Failures = rec.Failures
		}
	}
	return s
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
