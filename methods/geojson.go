package methods

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var ErrNoGeometry = errors.New("methods: geojson contains no geometry")

type geoJSONType struct {
	Type string `json:"type"`
}

// ParseBoundaries 解析 FeatureCollection、Feature 或单个 Geometry，按顺序返回边界
func ParseBoundaries(data []byte) ([]orb.Geometry, error) {
	var head geoJSONType
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid geojson: %w", err)
	}

	var out []orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("invalid feature collection: %w", err)
		}
		for _, f := range fc.Features {
			if f.Geometry != nil {
				out = append(out, f.Geometry)
			}
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("invalid feature: %w", err)
		}
		if f.Geometry != nil {
			out = append(out, f.Geometry)
		}
	case "GeometryCollection":
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("invalid geometry: %w", err)
		}
		if c, ok := g.Geometry().(orb.Collection); ok {
			out = append(out, c...)
		}
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("invalid geometry: %w", err)
		}
		if g.Geometry() != nil {
			out = append(out, g.Geometry())
		}
	}

	if len(out) == 0 {
		return nil, ErrNoGeometry
	}
	return out, nil
}

// ReadBoundaries 从GeoJSON文件读取边界
func ReadBoundaries(path string) ([]orb.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBoundaries(data)
}

// BoundsToFeatureCollection 将影像范围输出为GeoJSON，properties 与范围一一对应
func BoundsToFeatureCollection(bounds []orb.Bound, properties []map[string]interface{}) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, b := range bounds {
		f := geojson.NewFeature(b.ToPolygon())
		if i < len(properties) {
			f.Properties = properties[i]
		}
		fc.Append(f)
	}
	return fc
}
