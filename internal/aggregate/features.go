package aggregate

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sokoni/bff/internal/httputil"
)

// Feature is one entry in the client-facing feature list.
type Feature struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// defaultFeatures is served when neither BFF_FEATURES_JSON nor BFF_FEATURES
// is set.
var defaultFeatures = []Feature{
	{ID: "payments", Title: "Payments & Wallet"},
	{ID: "commerce", Title: "Shops"},
	{ID: "stays", Title: "Stays"},
	{ID: "taxi", Title: "Rides"},
	{ID: "bus", Title: "Bus Tickets"},
	{ID: "agri", Title: "Agriculture Market"},
	{ID: "livestock", Title: "Livestock Market"},
	{ID: "doctors", Title: "Doctors"},
	{ID: "utilities", Title: "Utility Bills"},
	{ID: "parking", Title: "Parking"},
}

// HandleFeatures serves the static feature-flag list with ETag support.
// BFF_FEATURES_JSON wins over BFF_FEATURES ("id:title,id:title" pairs).
func (s *Service) HandleFeatures(w http.ResponseWriter, r *http.Request) {
	features := s.featureList()

	body, err := json.Marshal(map[string]interface{}{"features": features})
	if err != nil {
		httputil.InternalError(w, "failed to encode features")
		return
	}

	writeConditional(w, r, body, "public, max-age=60")
}

func (s *Service) featureList() []Feature {
	if s.featuresJSON != "" {
		var features []Feature
		if err := json.Unmarshal([]byte(s.featuresJSON), &features); err == nil && len(features) > 0 {
			return features
		}
		s.logger.Warn("BFF_FEATURES_JSON is not a valid feature array, falling back")
	}

	if s.featuresCSV != "" {
		var features []Feature
		for _, pair := range strings.Split(s.featuresCSV, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			id, title, found := strings.Cut(pair, ":")
			if !found || id == "" {
				continue
			}
			features = append(features, Feature{ID: strings.TrimSpace(id), Title: strings.TrimSpace(title)})
		}
		if len(features) > 0 {
			return features
		}
	}

	return defaultFeatures
}
