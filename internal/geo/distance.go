// Package geo computes great-circle distances on a spherical Earth.
package geo

import (
	"math"

	"github.com/ChuLiYu/sitepresence/pkg/types"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Distance returns the haversine distance in meters between two points
// given in decimal degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// ToSite returns the distance from a sample to a site's center.
func ToSite(s types.PositionSample, site types.MonitoredSite) float64 {
	return Distance(s.Latitude, s.Longitude, site.Latitude, site.Longitude)
}

// Offset returns the point reached by moving meters along bearingDeg from
// (lat, lon). Used to place synthetic samples at a known distance.
func Offset(lat, lon, meters, bearingDeg float64) (float64, float64) {
	delta := meters / EarthRadiusMeters
	theta := radians(bearingDeg)
	phi1 := radians(lat)
	lambda1 := radians(lon)

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2),
	)

	return degrees(phi2), degrees(lambda2)
}

func radians(d float64) float64 { return d * math.Pi / 180 }

func degrees(r float64) float64 { return r * 180 / math.Pi }
