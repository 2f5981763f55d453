// Package bounds validates geocoder output against per-state bounding
// boxes. A coordinate outside its state's box is a failed geocode, never
// a resolved one. This catches out-of-state mailing addresses and
// geocoder mismatches before they reach the map.
package bounds

import (
	_ "embed"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"gopkg.in/yaml.v3"
)

//go:embed states.yaml
var statesYAML []byte

type boxRow struct {
	LatMin float64 `yaml:"lat_min"`
	LatMax float64 `yaml:"lat_max"`
	LonMin float64 `yaml:"lon_min"`
	LonMax float64 `yaml:"lon_max"`
}

var stateBounds = mustLoad()

func mustLoad() map[string]*geom.Bounds {
	rows := make(map[string]boxRow)
	if err := yaml.Unmarshal(statesYAML, &rows); err != nil {
		panic(eris.Wrap(err, "bounds: parse states.yaml"))
	}
	out := make(map[string]*geom.Bounds, len(rows))
	for state, row := range rows {
		out[state] = geom.NewBounds(geom.XY).Set(row.LonMin, row.LatMin, row.LonMax, row.LatMax)
	}
	return out
}

// Known reports whether a bounding box exists for the state abbreviation.
func Known(state string) bool {
	_, ok := stateBounds[state]
	return ok
}

// Contains reports whether the coordinate falls inside the state's
// bounding box. Unknown states fail closed: a coordinate we cannot
// validate is not accepted.
func Contains(state string, lat, lon float64) bool {
	b, ok := stateBounds[state]
	if !ok {
		return false
	}
	return b.OverlapsPoint(geom.XY, geom.Coord{lon, lat})
}
