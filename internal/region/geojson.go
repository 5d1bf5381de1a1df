package region

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/markerview/server/internal/dataset"
)

// DefaultImportColor is used for imported features without a colour.
const DefaultImportColor uint32 = 0xff0000

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string     `json:"type"`
	Geometry   geometry   `json:"geometry"`
	Properties properties `json:"properties"`
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type classification struct {
	Name     string `json:"name"`
	ColorRGB *int64 `json:"colorRGB,omitempty"`
}

type properties struct {
	Name           string          `json:"name,omitempty"`
	ObjectType     string          `json:"object_type,omitempty"`
	Classification *classification `json:"classification,omitempty"`
	Color          []int           `json:"color,omitempty"`
	IsLocked       bool            `json:"isLocked"`
}

// ExportGeoJSON writes every region as a MultiPolygon feature in global pixel
// coordinates.
func ExportGeoJSON(regions []*Region, imageWidth float64) ([]byte, error) {
	fc := featureCollection{Type: "FeatureCollection", Features: make([]feature, 0, len(regions))}
	for _, r := range regions {
		coords := make([][][][2]float64, len(r.polygons))
		for i, poly := range r.polygons {
			coords[i] = make([][][2]float64, len(poly))
			for j, ring := range poly {
				out := make([][2]float64, len(ring))
				for k, v := range ring {
					out[k] = [2]float64{v[0] * imageWidth, v[1] * imageWidth}
				}
				coords[i][j] = out
			}
		}
		raw, err := json.Marshal(coords)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", r.ID, err)
		}
		fc.Features = append(fc.Features, feature{
			Type:     "Feature",
			Geometry: geometry{Type: "MultiPolygon", Coordinates: raw},
			Properties: properties{
				Name:           r.Name,
				Classification: &classification{Name: r.Class},
				Color:          []int{int(r.Color >> 16 & 0xff), int(r.Color >> 8 & 0xff), int(r.Color & 0xff)},
			},
		})
	}
	return json.Marshal(fc)
}

// ImportGeoJSON parses a FeatureCollection, a single Feature, an array of
// either, or the legacy region map keyed by id. Features are named
// Region_geoJSON_<i> in file order; features without usable polygons are
// skipped.
func ImportGeoJSON(data []byte, imageWidth float64) ([]*Region, error) {
	if imageWidth <= 0 {
		return nil, fmt.Errorf("image width must be positive, got %v", imageWidth)
	}
	data = bytes.TrimSpace(data)
	var items []json.RawMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode geojson: %w", err)
		}
	} else {
		items = []json.RawMessage{data}
	}

	var out []*Region
	for i, item := range items {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			return nil, fmt.Errorf("decode geojson: %w", err)
		}
		switch head.Type {
		case "FeatureCollection":
			var fc featureCollection
			if err := json.Unmarshal(item, &fc); err != nil {
				return nil, fmt.Errorf("decode feature collection: %w", err)
			}
			for j, f := range fc.Features {
				if r := featureRegion(f, j, imageWidth); r != nil {
					out = append(out, r)
				}
			}
		case "Feature":
			var f feature
			if err := json.Unmarshal(item, &f); err != nil {
				return nil, fmt.Errorf("decode feature: %w", err)
			}
			if r := featureRegion(f, i, imageWidth); r != nil {
				out = append(out, r)
			}
		case "":
			legacy, err := importLegacy(item, imageWidth)
			if err != nil {
				return nil, err
			}
			out = append(out, legacy...)
		default:
			log.Printf("[regions] skipping geojson object of type %q", head.Type)
		}
	}
	return out, nil
}

func featureRegion(f feature, index int, imageWidth float64) *Region {
	if f.Type != "Feature" {
		return nil
	}
	var multi [][][][2]float64
	switch f.Geometry.Type {
	case "Polygon":
		var poly [][][2]float64
		if err := json.Unmarshal(f.Geometry.Coordinates, &poly); err != nil {
			log.Printf("[regions] feature %d: bad polygon: %v", index, err)
			return nil
		}
		multi = [][][][2]float64{poly}
	case "MultiPolygon":
		if err := json.Unmarshal(f.Geometry.Coordinates, &multi); err != nil {
			log.Printf("[regions] feature %d: bad multipolygon: %v", index, err)
			return nil
		}
	default:
		log.Printf("[regions] feature %d: unsupported geometry %q", index, f.Geometry.Type)
		return nil
	}

	color := DefaultImportColor
	if len(f.Properties.Color) == 3 {
		c := f.Properties.Color
		color = uint32(c[0]&0xff)<<16 | uint32(c[1]&0xff)<<8 | uint32(c[2]&0xff)
	}
	class := f.Properties.ObjectType
	if cl := f.Properties.Classification; cl != nil {
		class = cl.Name
		if cl.ColorRGB != nil {
			color = decimalColor(*cl.ColorRGB)
		}
	}

	r, err := New("Region_geoJSON_"+strconv.Itoa(index), normalise(multi, imageWidth), color)
	if err != nil {
		log.Printf("[regions] feature %d: %v", index, err)
		return nil
	}
	r.Name = f.Properties.Name
	if r.Name == "" {
		r.Name = "Region_" + strconv.Itoa(index+1)
	}
	r.Class = class
	return r
}

// decimalColor reads a signed 32-bit ARGB integer as 0xRRGGBB.
func decimalColor(n int64) uint32 {
	return uint32(n) & 0xffffff
}

func normalise(multi [][][][2]float64, imageWidth float64) []Polygon {
	out := make([]Polygon, len(multi))
	for i, poly := range multi {
		out[i] = make(Polygon, len(poly))
		for j, ring := range poly {
			// GeoJSON rings repeat the first vertex at the end.
			if n := len(ring); n > 1 && ring[0] == ring[n-1] {
				ring = ring[:n-1]
			}
			r := make(Ring, len(ring))
			for k, v := range ring {
				r[k] = Vertex{v[0] / imageWidth, v[1] / imageWidth}
			}
			out[i][j] = r
		}
	}
	return out
}

type legacyPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type legacyRegion struct {
	ID           string            `json:"id"`
	GlobalPoints [][][]legacyPoint `json:"globalPoints"`
	RegionName   string            `json:"regionName"`
	RegionClass  *string           `json:"regionClass"`
	Polycolor    string            `json:"polycolor"`
	Filled       bool              `json:"filled"`
}

// importLegacy reads the older export format: an object of regions keyed by id.
func importLegacy(data []byte, imageWidth float64) ([]*Region, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	// Regions come back in file order.
	keys, err := objectKeys(data)
	if err != nil {
		return nil, err
	}
	var out []*Region
	for _, k := range keys {
		var lr legacyRegion
		if err := json.Unmarshal(m[k], &lr); err != nil {
			return nil, fmt.Errorf("decode region %s: %w", k, err)
		}
		if lr.GlobalPoints == nil {
			log.Printf("[regions] %s has no globalPoints, skipping", k)
			continue
		}
		multi := make([][][][2]float64, len(lr.GlobalPoints))
		for i, poly := range lr.GlobalPoints {
			multi[i] = make([][][2]float64, len(poly))
			for j, ring := range poly {
				multi[i][j] = make([][2]float64, len(ring))
				for n, p := range ring {
					multi[i][j][n] = [2]float64{p.X, p.Y}
				}
			}
		}
		color, err := dataset.ParseHexColor(lr.Polycolor)
		if err != nil {
			color = DefaultImportColor
		}
		id := lr.ID
		if id == "" {
			id = k
		}
		r, err := New(id, normalise(multi, imageWidth), color)
		if err != nil {
			log.Printf("[regions] %s: %v", id, err)
			continue
		}
		if lr.RegionName != "" {
			r.Name = lr.RegionName
		}
		if lr.RegionClass != nil {
			r.Class = *lr.RegionClass
		}
		r.Filled = lr.Filled
		out = append(out, r)
	}
	return out, nil
}

func objectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode regions: %w", err)
		}
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("decode regions: %w", err)
		}
	}
	return keys, nil
}
