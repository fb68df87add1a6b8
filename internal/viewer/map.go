package viewer

// LngLat is a map coordinate in WGS84 degrees, longitude first like the map
// libraries expect.
type LngLat struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Map is the interactive map the viewer drives. Mutating calls are only valid
// after the load callback has fired. Callbacks must not be invoked from inside
// OnLoad or OnError.
type Map interface {
	AddNavigationControl() error
	OnLoad(fn func())
	OnError(fn func(error))
	// SetMarker creates the subject marker or moves it if it exists.
	SetMarker(p LngLat) error
	SetCenter(p LngLat) error
	HasLayer(id string) bool
	AddLineLayer(id string, coords []LngLat) error
	SetLineData(id string, coords []LngLat) error
	Remove() error
}

// MapFactory creates a map bound to container.
type MapFactory func(container string, center LngLat, zoom float64) (Map, error)
