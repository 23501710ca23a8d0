package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shuttle-eta/internal/geo"
	"shuttle-eta/internal/route"
)

// Source identifies where an estimate came from.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
)

// Estimate is the result of one routing query.
type Estimate struct {
	Duration  time.Duration
	DistanceM int // -1 when the provider did not report a distance
	Path      []geo.Point
	Sections  []Section
	Source    Source
}

// Section is an optional per-leg summary some providers include.
type Section struct {
	PointIndex int    `json:"pointIndex"`
	PointCount int    `json:"pointCount"`
	DistanceM  int    `json:"distance"`
	Name       string `json:"name"`
	Congestion int    `json:"congestion"`
}

var (
	// ErrMissingCredentials means no API key pair is configured.
	ErrMissingCredentials = errors.New("directions: missing credentials")
	// ErrNotConfigured means no provider endpoint is configured at all.
	ErrNotConfigured = errors.New("directions: provider not configured")
	// ErrNoRoute means the provider answered but found no drivable route.
	ErrNoRoute = errors.New("directions: no route found")
)

// TransportError is a non-200 or provider-level failure.
type TransportError struct {
	Status  int
	Code    string
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("directions: provider error status=%d code=%s: %s", e.Status, e.Code, e.Message)
}

// Router is the routing-oracle contract the ETA engine depends on.
type Router interface {
	Route(ctx context.Context, origin geo.Point, goal route.Stop, waypoints []route.Stop) (Estimate, error)
}

// ClientConfig configures the HTTP oracle adapter.
type ClientConfig struct {
	BaseURL   string // e.g. https://maps.apigw.ntruss.com/map-direction/v1/driving
	KeyID     string
	KeySecret string
	Timeout   time.Duration // per-call bound; defaults to 10s
}

// Client calls an NCP-style driving-directions endpoint with real-time
// traffic ("trafast") and decodes the summary plus path polyline.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type providerResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Route   struct {
		Trafast []struct {
			Summary struct {
				Duration int64 `json:"duration"` // ms
				Distance int   `json:"distance"` // m
			} `json:"summary"`
			Path    [][2]float64 `json:"path"` // [lng, lat]
			Section []Section    `json:"section"`
		} `json:"trafast"`
	} `json:"route"`
}

func (c *Client) Route(ctx context.Context, origin geo.Point, goal route.Stop, waypoints []route.Stop) (Estimate, error) {
	if c.cfg.BaseURL == "" {
		return Estimate{}, ErrNotConfigured
	}
	if c.cfg.KeyID == "" || c.cfg.KeySecret == "" {
		return Estimate{}, ErrMissingCredentials
	}
	o, err := origin.Normalize()
	if err != nil {
		return Estimate{}, err
	}
	g, err := goal.Point.Normalize()
	if err != nil {
		return Estimate{}, err
	}

	q := url.Values{}
	q.Set("start", fmt.Sprintf("%f,%f", o.Lng, o.Lat)) // provider wants x,y = lng,lat
	q.Set("goal", fmt.Sprintf("%f,%f", g.Lng, g.Lat))
	q.Set("option", "trafast")
	if len(waypoints) > 0 {
		parts := make([]string, 0, len(waypoints))
		for _, w := range waypoints {
			parts = append(parts, fmt.Sprintf("%f,%f", w.Point.Lng, w.Point.Lat))
		}
		q.Set("waypoints", strings.Join(parts, "|"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Estimate{}, err
	}
	req.Header.Set("x-ncp-apigw-api-key-id", c.cfg.KeyID)
	req.Header.Set("x-ncp-apigw-api-key", c.cfg.KeySecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return Estimate{}, fmt.Errorf("directions: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Estimate{}, fmt.Errorf("directions: read response: %w", err)
	}

	var pr providerResponse
	// Decode errors on non-200 bodies are tolerated; status drives the error.
	_ = json.Unmarshal(body, &pr)

	if resp.StatusCode != http.StatusOK {
		code := pr.Message
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return Estimate{}, &TransportError{Status: resp.StatusCode, Code: code, Message: pr.Message}
	}
	if len(pr.Route.Trafast) == 0 {
		return Estimate{}, ErrNoRoute
	}
	item := pr.Route.Trafast[0]
	if item.Summary.Duration <= 0 || len(item.Path) == 0 {
		return Estimate{}, ErrNoRoute
	}

	path := make([]geo.Point, len(item.Path))
	for i, lnglat := range item.Path {
		path[i] = geo.Point{Lat: lnglat[1], Lng: lnglat[0]}
	}
	dist := item.Summary.Distance
	if dist <= 0 {
		dist = -1
	}
	return Estimate{
		Duration:  time.Duration(item.Summary.Duration) * time.Millisecond,
		DistanceM: dist,
		Path:      path,
		Sections:  item.Section,
		Source:    SourceOracle,
	}, nil
}
