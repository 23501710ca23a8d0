package directions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-eta/internal/geo"
	"shuttle-eta/internal/route"
)

var testGoal = route.Stop{ID: "station5", Title: "Engineering Bldg.", Point: geo.Point{Lat: 37.276645, Lng: 127.134479}}

func TestClientRouteSuccess(t *testing.T) {
	var gotQuery map[string][]string
	var gotKeyID, gotKeySecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotKeyID = r.Header.Get("x-ncp-apigw-api-key-id")
		gotKeySecret = r.Header.Get("x-ncp-apigw-api-key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"code": 0,
			"route": {"trafast": [{
				"summary": {"duration": 400000, "distance": 3500},
				"path": [[127.116,37.274],[127.125,37.270],[127.134,37.276]],
				"section": [{"pointIndex":0,"pointCount":3,"distance":3500,"name":"Main Rd","congestion":1}]
			}]}
		}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, KeyID: "key-id", KeySecret: "key-secret"})
	origin := geo.Point{Lat: 37.274514, Lng: 127.116160}
	waypoints := []route.Stop{
		{ID: "station3", Point: geo.Point{Lat: 37.274566, Lng: 127.130307}},
		{ID: "station4", Point: geo.Point{Lat: 37.275690, Lng: 127.133470}},
	}

	est, err := c.Route(context.Background(), origin, testGoal, waypoints)
	require.NoError(t, err)

	assert.Equal(t, 400*time.Second, est.Duration)
	assert.Equal(t, 3500, est.DistanceM)
	assert.Equal(t, SourceOracle, est.Source)
	require.Len(t, est.Path, 3)
	// Provider path is [lng,lat]; ours is lat/lng.
	assert.Equal(t, geo.Point{Lat: 37.274, Lng: 127.116}, est.Path[0])
	require.Len(t, est.Sections, 1)
	assert.Equal(t, "Main Rd", est.Sections[0].Name)

	assert.Equal(t, "key-id", gotKeyID)
	assert.Equal(t, "key-secret", gotKeySecret)
	assert.Equal(t, "trafast", gotQuery["option"][0])
	assert.Equal(t, "127.116160,37.274514", gotQuery["start"][0])
	assert.Equal(t, "127.134479,37.276645", gotQuery["goal"][0])
	assert.Equal(t, "127.130307,37.274566|127.133470,37.275690", gotQuery["waypoints"][0])
}

func TestClientRouteTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "quota exceeded"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, KeyID: "id", KeySecret: "secret"})
	_, err := c.Route(context.Background(), geo.Point{Lat: 37.27, Lng: 127.12}, testGoal, nil)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusUnauthorized, te.Status)
	assert.Equal(t, "quota exceeded", te.Message)
}

func TestClientRouteNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code": 0, "route": {"trafast": []}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, KeyID: "id", KeySecret: "secret"})
	_, err := c.Route(context.Background(), geo.Point{Lat: 37.27, Lng: 127.12}, testGoal, nil)
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestClientRouteConfigErrors(t *testing.T) {
	origin := geo.Point{Lat: 37.27, Lng: 127.12}

	c := NewClient(ClientConfig{})
	_, err := c.Route(context.Background(), origin, testGoal, nil)
	require.ErrorIs(t, err, ErrNotConfigured)

	c = NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	_, err = c.Route(context.Background(), origin, testGoal, nil)
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestClientRouteInvalidOrigin(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", KeyID: "id", KeySecret: "secret"})
	_, err := c.Route(context.Background(), geo.Point{Lat: 200, Lng: 0}, testGoal, nil)
	require.ErrorIs(t, err, geo.ErrInvalidCoordinate)
}

func TestCachedRouterMemoizes(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"route":{"trafast":[{"summary":{"duration":60000,"distance":900},"path":[[127.1,37.2]]}]}}`))
	}))
	defer srv.Close()

	cached := NewCachedRouter(NewClient(ClientConfig{BaseURL: srv.URL, KeyID: "id", KeySecret: "s"}), time.Minute)
	origin := geo.Point{Lat: 37.27, Lng: 127.12}

	first, err := cached.Route(context.Background(), origin, testGoal, nil)
	require.NoError(t, err)
	second, err := cached.Route(context.Background(), origin, testGoal, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "second call must be served from cache")

	// A different goal misses the cache.
	other := route.Stop{ID: "station2", Point: geo.Point{Lat: 37.270780, Lng: 127.125569}}
	_, err = cached.Route(context.Background(), origin, other, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
