package cli

import (
	"fmt"
	"os"

	"github.com/paulmach/orb/geojson"

	"github.com/roach88/rfusync/internal/rfu"
)

// featureCollection renders collections as WGS84 GeoJSON. Properties are
// the wire fields, plus "collection" naming the layer of each feature.
func featureCollection(layers map[string]*rfu.Collection, order ...string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, name := range order {
		c := layers[name]
		if c == nil {
			continue
		}
		for _, f := range c.All() {
			feature := geojson.NewFeature(f.Geometry())
			feature.Properties["collection"] = name
			for _, field := range f.Fields() {
				feature.Properties[field.Name] = field.Value
			}
			fc.Append(feature)
		}
	}
	return fc
}

func writeGeoJSON(path string, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode geojson: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write geojson: %w", err)
	}
	return nil
}
