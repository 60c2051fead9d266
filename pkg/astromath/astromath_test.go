package astromath

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanelSpacing_WidensRATowardThePoles(t *testing.T) {
	raEquator, decEquator := PanelSpacing(0, 1.0, 1.0, 10)
	raHigh, decHigh := PanelSpacing(80, 1.0, 1.0, 10)

	assert.Greater(t, raHigh, raEquator, "RA spacing must widen as declination approaches the pole")
	assert.Equal(t, decEquator, decHigh, "Dec spacing does not depend on declination")
}

func TestPanelSpacing_ClampsNearThePole(t *testing.T) {
	ra, _ := PanelSpacing(89.999, 1.0, 1.0, 10)
	assert.False(t, ra == 0 || ra != ra, "spacing near the pole must stay finite, not divide by ~zero")
}

func TestPanelSpacing_HigherOverlapShrinksSpacing(t *testing.T) {
	raLow, decLow := PanelSpacing(30, 1.0, 1.0, 10)
	raHigh, decHigh := PanelSpacing(30, 1.0, 1.0, 50)

	assert.Less(t, raHigh, raLow)
	assert.Less(t, decHigh, decLow)
}

func TestApparentFromJ2000_NoShiftAtTheEpochItself(t *testing.T) {
	ra, dec := ApparentFromJ2000(12.0, 30.0, j2000Epoch)
	assert.InDelta(t, 12.0, ra, 1e-9)
	assert.InDelta(t, 30.0, dec, 1e-9)
}

func TestApparentFromJ2000_DriftsOverTime(t *testing.T) {
	later := j2000Epoch.Add(25 * 365.25 * 24 * time.Hour)
	ra, dec := ApparentFromJ2000(3.0, 30.0, later)
	assert.NotEqual(t, 3.0, ra)
	assert.NotEqual(t, 30.0, dec)
}

func TestApparentFromJ2000_WrapsRAIntoZeroToTwentyFour(t *testing.T) {
	ra, _ := ApparentFromJ2000(23.999, 80.0, j2000Epoch.Add(500*365.25*24*time.Hour))
	assert.GreaterOrEqual(t, ra, 0.0)
	assert.Less(t, ra, 24.0)
}

func TestGeomagDeclination_ZeroAtPrimeMeridian(t *testing.T) {
	assert.InDelta(t, 0.0, GeomagDeclination(45, 0), 1e-9)
}

func TestGeomagDeclination_SignFollowsLongitude(t *testing.T) {
	west := GeomagDeclination(45, -90)
	east := GeomagDeclination(45, 90)
	assert.Less(t, west, 0.0)
	assert.Greater(t, east, 0.0)
}

// withStubbedGeolocationTransport redirects http.DefaultClient's traffic
// to srv regardless of the request's original host, then restores the
// original client. Geolocate has no injectable client, so this is the
// only seam available to exercise it without a real network call.
func withStubbedGeolocationTransport(t *testing.T, srv *httptest.Server) {
	t.Helper()
	original := http.DefaultClient
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	http.DefaultClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		redirected := req.Clone(req.Context())
		redirected.URL.Scheme = target.Scheme
		redirected.URL.Host = target.Host
		return http.DefaultTransport.RoundTrip(redirected)
	})}
	t.Cleanup(func() { http.DefaultClient = original })
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestGeolocate_ParsesLatitudeAndLongitude(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"latitude":37.77,"longitude":-122.42}`)
	}))
	defer srv.Close()
	withStubbedGeolocationTransport(t, srv)

	lat, lon, err := Geolocate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 37.77, lat, 1e-9)
	assert.InDelta(t, -122.42, lon, 1e-9)
}

func TestGeolocate_NonOKStatusIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	withStubbedGeolocationTransport(t, srv)

	_, _, err := Geolocate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeolocationUnavailable)
}

func TestGeolocate_MalformedBodyIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer srv.Close()
	withStubbedGeolocationTransport(t, srv)

	_, _, err := Geolocate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeolocationUnavailable)
}
