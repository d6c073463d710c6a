package geocode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/resilience"
)

const nominatimSearchURL = "https://nominatim.openstreetmap.org/search"

type nominatimPlace struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	Importance  float64 `json:"importance"`
	DisplayName string  `json:"display_name"`
}

// NominatimProvider geocodes with an OpenStreetMap Nominatim server. The
// public server requires an identifying User-Agent and at most 1 req/s.
type NominatimProvider struct {
	baseURL    string
	userAgent  string
	email      string
	httpClient *http.Client
}

// NewNominatimProvider creates a Nominatim provider. baseURL defaults to
// the public OpenStreetMap endpoint.
func NewNominatimProvider(baseURL, userAgent, email string, hc *http.Client) *NominatimProvider {
	if baseURL == "" {
		baseURL = nominatimSearchURL
	}
	if userAgent == "" {
		userAgent = "eventimport/1.0"
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &NominatimProvider{baseURL: baseURL, userAgent: userAgent, email: email, httpClient: hc}
}

// Name implements Provider.
func (p *NominatimProvider) Name() string { return "nominatim" }

// Available implements Provider.
func (p *NominatimProvider) Available() bool { return true }

// Geocode implements Provider.
func (p *NominatimProvider) Geocode(ctx context.Context, address string) (*Result, error) {
	params := url.Values{
		"q":      {address},
		"format": {"jsonv2"},
		"limit":  {"1"},
	}
	if p.email != "" {
		params.Set("email", p.email)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim build request")
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.NewHTTPError(eris.Errorf("geocode: nominatim returned status %d", resp.StatusCode), resp, time.Now())
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim parse response")
	}
	if len(places) == 0 {
		return &Result{Matched: false, Provider: p.Name()}, nil
	}

	place := places[0]
	lat, err := strconv.ParseFloat(place.Lat, 64)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim latitude")
	}
	lon, err := strconv.ParseFloat(place.Lon, 64)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim longitude")
	}

	confidence := place.Importance
	if confidence <= 0 || confidence > 1 {
		confidence = 0.5
	}
	return &Result{
		Latitude:         lat,
		Longitude:        lon,
		Confidence:       confidence,
		Provider:         p.Name(),
		FormattedAddress: place.DisplayName,
		Matched:          true,
	}, nil
}
