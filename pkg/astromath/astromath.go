// Package astromath implements the handful of pure astronomy helper
// functions the Device Session treats as a black box: mosaic panel
// spacing, J2000-to-apparent coordinate conversion, IP geolocation, and
// magnetic declination.
//
// These are closed-form approximations, not a full ephemeris or IGRF
// model. No astronomy library is available for this, so each function
// is implemented directly against its documented signature.
package astromath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// PanelSpacing returns the inter-panel (ΔRA, ΔDec) spacing in hours and
// degrees for a mosaic centered at decCenterDeg, given a per-panel
// field of view and a percentage overlap between adjacent panels. RA
// spacing widens toward the poles to keep angular, not coordinate,
// overlap constant.
func PanelSpacing(decCenterDeg, fovRAHours, fovDecDeg, overlapPct float64) (deltaRAHours, deltaDecDeg float64) {
	factor := 1 - overlapPct/100
	if factor <= 0 {
		factor = 0.01
	}
	deltaDecDeg = fovDecDeg * factor

	cosDec := math.Cos(decCenterDeg * math.Pi / 180)
	if math.Abs(cosDec) < 0.01 {
		cosDec = 0.01 * sign(cosDec)
	}
	deltaRAHours = (fovRAHours * factor) / math.Abs(cosDec)
	return deltaRAHours, deltaDecDeg
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

// precessionRateArcsecPerYear is the annual general precession (50.29
// arcseconds), stored in degrees per year. It drives a coarse
// correction of under one arcminute per year since J2000.0, not
// precision astrometry.
const precessionRateArcsecPerYear = 50.29 / 3600.0 // degrees/year, approx

// j2000Epoch is 2000-01-01T12:00:00Z, the J2000.0 reference epoch.
var j2000Epoch = time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)

// ApparentFromJ2000 converts J2000 (RA hours, Dec degrees) coordinates
// to apparent (JNow) coordinates at the given UTC time, applying a
// simple linear precession correction. Callers are responsible for
// skipping this conversion when the input is already apparent
// (is_j2000=false) — this function always treats its input as J2000.
func ApparentFromJ2000(raHours, decDeg float64, at time.Time) (raHoursApparent, decDegApparent float64) {
	years := at.UTC().Sub(j2000Epoch).Hours() / 24 / 365.25
	shiftDeg := precessionRateArcsecPerYear * years

	decDegApparent = decDeg + shiftDeg*math.Cos(raHours*15*math.Pi/180)
	raDeg := raHours * 15
	raDegApparent := raDeg + shiftDeg*math.Sin(raHours*15*math.Pi/180)*math.Tan(decDeg*math.Pi/180)
	raHoursApparent = math.Mod(raDegApparent/15+24, 24)
	return raHoursApparent, decDegApparent
}

// ErrGeolocationUnavailable is returned when no IP-geolocation service
// could be reached.
var ErrGeolocationUnavailable = errors.New("astromath: geolocation unavailable")

// geolocationEndpoint is a free, keyless IP-geolocation lookup used for
// Startup's location fallback.
const geolocationEndpoint = "https://ipapi.co/json/"

// Geolocate resolves the caller's approximate (latitude, longitude) via
// IP-based geolocation, for Startup's location fallback chain ("from
// params, else from config, else from GPS geolocation library").
func Geolocate(ctx context.Context) (lat, lon float64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, geolocationEndpoint, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrGeolocationUnavailable, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrGeolocationUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("%w: status %d", ErrGeolocationUnavailable, resp.StatusCode)
	}

	var body struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrGeolocationUnavailable, err)
	}
	return body.Latitude, body.Longitude, nil
}

// GeomagDeclination returns an approximate magnetic declination in
// degrees at (lat, lon), for adjust_mag_declination. This is
// a coarse sinusoidal fit, not an IGRF model; it is adequate for a
// single-digit-degree compass correction, not for navigation.
func GeomagDeclination(lat, lon float64) float64 {
	latRad := lat * math.Pi / 180
	lonRad := lon * math.Pi / 180
	return 15 * math.Sin(lonRad) * math.Cos(latRad)
}
