package aggregate

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sokoni/bff/internal/httputil"
	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/metrics"
)

// HandleMe composes the signed-in user's home screen: wallet (mandatory),
// then best-effort transactions, KYC, merchant and chat-summary sections.
// Responses are cached per subject for two seconds.
func (s *Service) HandleMe(w http.ResponseWriter, r *http.Request) {
	sub := logging.GetUserSub(r.Context())
	cacheKey := "me:" + sub

	if cached, ok := s.cache.Get(r.Context(), cacheKey); ok {
		w.Header().Set("Cache-Control", "private, max-age=2")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(cached)
		return
	}

	header := authHeader(r)

	// Wallet is the one mandatory sub-call; its failure fails the request.
	// An upstream error status is relayed verbatim; only transport failures
	// become a gateway 502.
	wallet, err := s.fetchJSON(r.Context(), "payments", "/wallet", header)
	if err != nil {
		s.logger.WithContext(r.Context()).Error().Err(err).Msg("wallet call failed")
		var ue *upstreamStatusError
		if errors.As(err, &ue) {
			if ue.contentType != "" {
				w.Header().Set("Content-Type", ue.contentType)
			}
			w.WriteHeader(ue.status)
			_, _ = w.Write(ue.body)
			return
		}
		httputil.BadGateway(w, "wallet unavailable: "+err.Error())
		return
	}

	sections := map[string]json.RawMessage{"wallet": wallet}
	s.bestEffort(r.Context(), sections, "transactions", "payments", "/wallet/transactions?limit=10", header)
	s.bestEffort(r.Context(), sections, "kyc", "payments", "/kyc/status", header)
	s.bestEffort(r.Context(), sections, "merchant", "payments", "/merchant/status", header)
	s.bestEffort(r.Context(), sections, "chat", "chat", "/chat/summary", header)

	body, err := json.Marshal(sections)
	if err != nil {
		httputil.InternalError(w, "failed to assemble response")
		return
	}

	s.cache.Set(r.Context(), cacheKey, body, meCacheTTL)

	w.Header().Set("Cache-Control", "private, max-age=2")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// HandleSearch fans the query out to the catalog-bearing services and merges
// whatever answered. Every sub-call is best effort.
func (s *Service) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	header := authHeader(r)
	path := "/listings?" + url.Values{"q": {q}}.Encode()

	sections := make(map[string]json.RawMessage)
	s.bestEffort(r.Context(), sections, "commerce", "commerce", path, header)
	s.bestEffort(r.Context(), sections, "stays", "stays", path, header)
	s.bestEffort(r.Context(), sections, "agri", "agri", path, header)

	body, err := json.Marshal(map[string]interface{}{"query": q, "results": sections})
	if err != nil {
		httputil.InternalError(w, "failed to assemble response")
		return
	}

	writeConditional(w, r, body, "public, max-age=10")
}

// HandleTransactions proxies the caller's recent transactions from the
// payments service, query string preserved.
func (s *Service) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	base, ok := s.table.Lookup("payments")
	if !ok {
		httputil.NotFound(w, "unknown service")
		return
	}

	url := base + "/wallet/transactions"
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	resp, err := s.forwarder.Get(r.Context(), url, authHeader(r))
	if err != nil {
		metrics.RecordUpstream("payments", 0)
		httputil.BadGateway(w, "upstream unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()
	metrics.RecordUpstream("payments", resp.StatusCode)

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// AuthPassthrough forwards /auth/{action} verbatim to the payments service,
// preserving its status code and JSON error body.
func (s *Service) AuthPassthrough(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	base, ok := s.table.Lookup("payments")
	if !ok {
		httputil.NotFound(w, "unknown service")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return
	}

	header := make(http.Header)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}

	resp, err := s.forwarder.Post(r.Context(), base+"/auth/"+action, header, body)
	if err != nil {
		metrics.RecordUpstream("payments", 0)
		httputil.BadGateway(w, "upstream unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()
	metrics.RecordUpstream("payments", resp.StatusCode)

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// CachedServiceGET returns a handler proxying GET /v1/<service>/{rest} with
// response caching and conditional-GET support. Order-like resources get a
// short private TTL; catalog data a longer public one.
func (s *Service) CachedServiceGET(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := mux.Vars(r)["rest"]

		ttl := 30 * time.Second
		cacheControl := "public, max-age=30"
		scope := "pub"
		if strings.HasPrefix(rest, "orders") || strings.HasPrefix(rest, "bookings") {
			ttl = 2 * time.Second
			cacheControl = "private, max-age=2"
			scope = "sub:" + logging.GetUserSub(r.Context())
		}

		cacheKey := service + ":" + scope + ":" + rest
		if r.URL.RawQuery != "" {
			cacheKey += "?" + r.URL.RawQuery
		}

		if cached, ok := s.cache.Get(r.Context(), cacheKey); ok {
			writeConditional(w, r, cached, cacheControl)
			return
		}

		base, ok := s.table.Lookup(service)
		if !ok {
			httputil.NotFound(w, "unknown service")
			return
		}

		url := base + "/" + rest
		if r.URL.RawQuery != "" {
			url += "?" + r.URL.RawQuery
		}

		resp, err := s.forwarder.Get(r.Context(), url, authHeader(r))
		if err != nil {
			metrics.RecordUpstream(service, 0)
			httputil.BadGateway(w, "upstream unreachable: "+err.Error())
			return
		}
		metrics.RecordUpstream(service, resp.StatusCode)

		body, err := httputil.ReadBody(resp)
		if err != nil {
			httputil.BadGateway(w, "failed to read upstream response")
			return
		}

		if resp.StatusCode >= 400 {
			if ct := resp.Header.Get("Content-Type"); ct != "" {
				w.Header().Set("Content-Type", ct)
			}
			w.WriteHeader(resp.StatusCode)
			_, _ = w.Write(body)
			return
		}

		s.cache.Set(r.Context(), cacheKey, body, ttl)
		writeConditional(w, r, body, cacheControl)
	}
}
