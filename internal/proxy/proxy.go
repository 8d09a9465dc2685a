package proxy

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sokoni/bff/internal/httputil"
	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/metrics"
)

// forwardedHeaders is the exact-name part of the outbound header allow-list.
// Any header starting with "X-" is also forwarded.
var forwardedHeaders = map[string]bool{
	"Authorization":   true,
	"Content-Type":    true,
	"Accept":          true,
	"Idempotency-Key": true,
}

// Handler forwards {service}/{path...} requests to the routed upstream.
type Handler struct {
	table     *RouteTable
	forwarder *httputil.Forwarder
	logger    *logging.Logger
}

// NewHandler builds the dynamic reverse-proxy handler.
func NewHandler(table *RouteTable, forwarder *httputil.Forwarder, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{table: table, forwarder: forwarder, logger: logger}
}

// ServeHTTP handles /{service}/{rest...}. Method, query string and body are
// forwarded untouched; only allow-listed headers cross the boundary; the
// upstream's status, body and Content-Type come back verbatim.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	service := vars["service"]
	rest := vars["rest"]

	base, ok := h.table.Lookup(service)
	if !ok {
		httputil.NotFound(w, "unknown service")
		return
	}

	upstreamURL := base + "/" + rest
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			httputil.BadRequest(w, "failed to read request body")
			return
		}
		body = b
	}

	header := FilterHeaders(r.Header)
	injectForwardedFor(header, r)

	resp, err := h.forwarder.Do(r.Context(), r.Method, upstreamURL, header, body)
	if err != nil {
		metrics.RecordUpstream(service, 0)
		h.logger.WithContext(r.Context()).Error().
			Str("service", service).
			Str("url", upstreamURL).
			Err(err).
			Msg("upstream forward failed")
		httputil.BadGateway(w, "upstream unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()

	metrics.RecordUpstream(service, resp.StatusCode)

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// FilterHeaders applies the outbound allow-list: Authorization, Content-Type,
// Accept, Idempotency-Key and anything prefixed X-. Everything else
// (Cookie, Host, hop-by-hop headers) is dropped.
func FilterHeaders(in http.Header) http.Header {
	out := make(http.Header)
	for name, values := range in {
		canonical := http.CanonicalHeaderKey(name)
		if forwardedHeaders[canonical] || strings.HasPrefix(canonical, "X-") {
			for _, v := range values {
				out.Add(canonical, v)
			}
		}
	}
	return out
}

// injectForwardedFor appends the client address, best effort.
func injectForwardedFor(header http.Header, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return
	}
	if prior := header.Get("X-Forwarded-For"); prior != "" {
		header.Set("X-Forwarded-For", prior+", "+host)
	} else {
		header.Set("X-Forwarded-For", host)
	}
}
