package weather

import "context"

// Denver fallback used when no geocoder is wired; the service area is small
// enough that a metro-level forecast is representative.
var defaultCoordinates = Coordinates{Lat: 39.7392, Lon: -104.9903}

type Geocoder interface {
	Geocode(ctx context.Context, address string) Coordinates
}

type stubGeocoder struct{}

// NewGeocoder returns the stub geocoder. Swap in a real provider here when
// jobs start appearing outside the metro area.
func NewGeocoder() Geocoder {
	return stubGeocoder{}
}

func (stubGeocoder) Geocode(ctx context.Context, address string) Coordinates {
	return defaultCoordinates
}
