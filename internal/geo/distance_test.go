package geo

import (
	"testing"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestDistance_SamePoint(t *testing.T) {
	assert.Equal(t, 0.0, Distance(53.3498, -6.2603, 53.3498, -6.2603))
}

func TestDistance_KnownPairs(t *testing.T) {
	tests := []struct {
		name     string
		lat1     float64
		lon1     float64
		lat2     float64
		lon2     float64
		expected float64
		delta    float64
	}{
		{"one degree of latitude", 0, 0, 1, 0, 111195, 5},
		{"one degree of longitude at equator", 0, 0, 0, 1, 111195, 5},
		{"Dublin to London", 53.3498, -6.2603, 51.5074, -0.1278, 464000, 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Distance(tt.lat1, tt.lon1, tt.lat2, tt.lon2), tt.delta)
		})
	}
}

func TestDistance_Symmetric(t *testing.T) {
	a := Distance(53.3498, -6.2603, 53.35, -6.26)
	b := Distance(53.35, -6.26, 53.3498, -6.2603)
	assert.InDelta(t, a, b, 1e-9)
}

func TestOffset_RoundTrip(t *testing.T) {
	for _, meters := range []float64{10, 29, 31, 69, 71, 500} {
		lat, lon := Offset(53.3498, -6.2603, meters, 90)
		assert.InDelta(t, meters, Distance(53.3498, -6.2603, lat, lon), 0.01)
	}
}

func TestToSite(t *testing.T) {
	site := types.MonitoredSite{ID: "S1", Latitude: 53.3498, Longitude: -6.2603, AutoTriggerRadius: 50}
	lat, lon := Offset(site.Latitude, site.Longitude, 40, 180)

	d := ToSite(types.PositionSample{Latitude: lat, Longitude: lon}, site)
	assert.InDelta(t, 40, d, 0.01)
}
