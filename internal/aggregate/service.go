// Package aggregate implements the convenience endpoints that compose
// upstream calls into single client-facing responses.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sokoni/bff/internal/cache"
	"github.com/sokoni/bff/internal/httputil"
	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/metrics"
	"github.com/sokoni/bff/internal/proxy"
)

const meCacheTTL = 2 * time.Second

// Service holds the collaborators for the aggregation endpoints.
type Service struct {
	table     *proxy.RouteTable
	forwarder *httputil.Forwarder
	cache     cache.Store
	logger    *logging.Logger

	env          string
	featuresJSON string
	featuresCSV  string
}

// Config wires a Service.
type Config struct {
	Table        *proxy.RouteTable
	Forwarder    *httputil.Forwarder
	Cache        cache.Store
	Logger       *logging.Logger
	Env          string
	FeaturesJSON string
	FeaturesCSV  string
}

// New creates the aggregation service.
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{
		table:        cfg.Table,
		forwarder:    cfg.Forwarder,
		cache:        cfg.Cache,
		logger:       log,
		env:          cfg.Env,
		featuresJSON: cfg.FeaturesJSON,
		featuresCSV:  cfg.FeaturesCSV,
	}
}

// upstreamStatusError carries an application-level upstream response, so the
// mandatory sub-call can surface the upstream's status and body verbatim
// instead of masking them as a gateway failure.
type upstreamStatusError struct {
	service     string
	path        string
	status      int
	contentType string
	body        []byte
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("%s%s returned %d", e.service, e.path, e.status)
}

// fetchJSON issues a GET against a routed service and returns the body when
// the upstream answered 2xx with valid JSON. An upstream status >= 400 comes
// back as *upstreamStatusError; transport failures as the forwarder's error.
func (s *Service) fetchJSON(ctx context.Context, service, path string, header http.Header) ([]byte, error) {
	base, ok := s.table.Lookup(service)
	if !ok {
		return nil, fmt.Errorf("service %q not routed", service)
	}

	resp, err := s.forwarder.Get(ctx, base+path, header)
	if err != nil {
		metrics.RecordUpstream(service, 0)
		return nil, err
	}
	metrics.RecordUpstream(service, resp.StatusCode)

	contentType := resp.Header.Get("Content-Type")
	body, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &upstreamStatusError{
			service:     service,
			path:        path,
			status:      resp.StatusCode,
			contentType: contentType,
			body:        body,
		}
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s%s returned non-JSON payload", service, path)
	}
	return body, nil
}

// bestEffort runs a sub-call and merges the result into sections under name.
// Failures are logged and swallowed; the aggregation proceeds without the
// section.
func (s *Service) bestEffort(ctx context.Context, sections map[string]json.RawMessage, name, service, path string, header http.Header) {
	body, err := s.fetchJSON(ctx, service, path, header)
	if err != nil {
		s.logger.WithContext(ctx).Warn().
			Str("section", name).
			Err(err).
			Msg("optional aggregation sub-call failed")
		return
	}
	sections[name] = body
}

// authHeader builds the outbound header set for aggregation sub-calls:
// the caller's bearer token plus propagated context.
func authHeader(r *http.Request) http.Header {
	header := make(http.Header)
	if auth := r.Header.Get("Authorization"); auth != "" {
		header.Set("Authorization", auth)
	}
	header.Set("Accept", "application/json")
	return header
}

// writeConditional answers a conditional GET: 304 when the client already
// holds the current entity, else 200 with ETag and Cache-Control set.
func writeConditional(w http.ResponseWriter, r *http.Request, body []byte, cacheControl string) {
	etag := cache.ETag(body)
	w.Header().Set("ETag", etag)
	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
