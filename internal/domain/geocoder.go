package domain

import "context"

// GeocodingResult is the location a geocoding provider returned for a place query.
type GeocodingResult struct {
	Lat              float64
	Lon              float64
	FormattedAddress string
	Confidence       float64 // 0.0–1.0 provider confidence score
}

// Found reports whether the provider matched the query at all.
func (r GeocodingResult) Found() bool { return r.FormattedAddress != "" }

// Geocoder turns Place selections into coordinates.
type Geocoder interface {
	// ForwardGeocode converts a free-form place name to coordinates.
	ForwardGeocode(ctx context.Context, query string) (GeocodingResult, error)
}
