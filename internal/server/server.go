// Package server implements the LiteBucket HTTP server and S3-compatible route multiplexer.
package server

import (
	"context"
	"net/http"

	"github.com/litebucket/litebucket/internal/config"
	s3err "github.com/litebucket/litebucket/internal/errors"
	"github.com/litebucket/litebucket/internal/handlers"
	"github.com/litebucket/litebucket/internal/pool"
	"github.com/litebucket/litebucket/internal/registry"
	"github.com/litebucket/litebucket/internal/store"
	"github.com/litebucket/litebucket/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ownerID and ownerDisplay identify the single implicit owner reported for
// every bucket and object.
const (
	ownerID      = "litebucket"
	ownerDisplay = "LiteBucket"
)

// Server is the LiteBucket HTTP server. It routes incoming requests to the
// appropriate S3-compatible handler based on the request method, path, and
// query parameters.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      *store.Store
	reg        *registry.Registry
	workers    *pool.Pool
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a new Server with the given configuration and wires up all
// S3-compatible routes on the Chi router with Huma API.
func New(cfg *config.Config, reg *registry.Registry, st *store.Store, workers *pool.Pool) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("LiteBucket S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:     cfg,
		router:  router,
		api:     api,
		store:   st,
		reg:     reg,
		workers: workers,
	}

	s.bucket = handlers.NewBucketHandler(reg, st, ownerID, ownerDisplay, cfg.Server.Region)
	s.object = handlers.NewObjectHandler(reg, st, cfg.Server.MaxObjectSize)

	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
// Middleware chain: metricsMiddleware -> commonHeaders -> workerLimit -> router.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = s.workerLimit(handler)
	handler = s.requestTimeout(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /docs, /openapi.json) and /metrics are registered first.
// The S3 catch-all /* is registered last. Chi matches more specific routes first.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation. Health
	// includes a database round trip so a wedged SQLite file turns the
	// endpoint red.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the LiteBucket server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if err := s.store.HealthCheck(ctx); err != nil {
			return nil, huma.Error503ServiceUnavailable("database unavailable", err)
		}
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	// Register /metrics via promhttp.Handler().
	s.router.Handle("/metrics", promhttp.Handler())

	// S3 catch-all: all remaining requests go through the dispatch function.
	// Chi matches more specific routes (health, docs, metrics, openapi) first,
	// then falls through to the catch-all.
	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// dispatch is the main request dispatcher. It parses the path to extract
// bucket and object key, then routes by HTTP method and query parameters.
// Bucket creation and deletion are configuration-driven, so PUT and DELETE
// at the bucket level only carry subresource operations.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	// Service-level operations (no bucket in path).
	if bucket == "" {
		switch r.Method {
		case http.MethodGet:
			s.bucket.ListBuckets(w, r)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
		}
		return
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			s.object.PutObject(w, r)
		case http.MethodGet:
			s.object.GetObject(w, r)
		case http.MethodHead:
			s.object.HeadObject(w, r)
		case http.MethodDelete:
			s.object.DeleteObject(w, r)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Bucket-level operations (bucket in path, no key).
	switch r.Method {
	case http.MethodGet:
		switch {
		case q.Has("versioning"):
			s.bucket.GetBucketVersioning(w, r)
		case q.Has("versions"):
			s.bucket.ListObjectVersions(w, r)
		case q.Has("location"):
			s.bucket.GetBucketLocation(w, r)
		case q.Has("list-type"):
			s.bucket.ListObjectsV2(w, r)
		default:
			s.bucket.ListObjects(w, r)
		}
	case http.MethodPut:
		if q.Has("versioning") {
			s.bucket.PutBucketVersioning(w, r)
		} else {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
	case http.MethodHead:
		s.bucket.HeadBucket(w, r)
	case http.MethodDelete:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
	}
}
