package service

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/markerview/server/internal/cache"
	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/region"
)

// RegionInfo describes a closed region.
type RegionInfo struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Class     string                  `json:"class"`
	Color     string                  `json:"color"`
	Filled    bool                    `json:"filled"`
	Polygons  []region.Polygon        `json:"polygons"`
	Histogram []region.HistogramEntry `json:"histogram"`
	Total     int                     `json:"total"`
}

func regionInfo(r *region.Region) RegionInfo {
	return RegionInfo{
		ID:        r.ID,
		Name:      r.Name,
		Class:     r.Class,
		Color:     dataset.FormatHexColor(r.Color),
		Filled:    r.Filled,
		Polygons:  r.Polygons(),
		Histogram: r.Histogram,
		Total:     len(r.Members),
	}
}

// DrawState is the polygon editor state after a click.
type DrawState struct {
	State    string          `json:"state"`
	ID       string          `json:"id"`
	Vertices []region.Vertex `json:"vertices"`
	Closed   *RegionInfo     `json:"closed,omitempty"`
}

func (v *Viewer) drawState() DrawState {
	e := v.regions.Editor
	return DrawState{State: e.State().String(), ID: e.ID(), Vertices: e.Vertices()}
}

// save persists one region. Failures are logged; the in-memory set stays
// authoritative.
func (v *Viewer) save(r *region.Region) {
	if v.persist == nil {
		return
	}
	if err := v.persist.Save(r); err != nil {
		log.Printf("[viewer] failed to persist region %s: %v", r.ID, err)
	}
}

// RegionClick feeds a click in normalised image coordinates to the polygon
// editor. The returned state carries the region when the click closed it.
func (v *Viewer) RegionClick(x, y float64) (DrawState, error) {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return DrawState{}, fmt.Errorf("%w: non-finite vertex", ErrInvalid)
	}

	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	r, closed := v.regions.Click(x, y)
	st := v.drawState()
	if closed {
		v.save(r)
		v.bump()
		info := regionInfo(r)
		st.Closed = &info
		log.Printf("[viewer] closed region %s with %d vertices", r.ID, len(r.Polygons()[0][0]))
	}
	return st, nil
}

// CancelDrawing abandons the polygon being drawn.
func (v *Viewer) CancelDrawing() DrawState {
	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	v.regions.Editor.Reset()
	return v.drawState()
}

// Regions lists closed regions in creation order.
func (v *Viewer) Regions() []RegionInfo {
	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	list := v.regions.List()
	out := make([]RegionInfo, len(list))
	for i, r := range list {
		out[i] = regionInfo(r)
	}
	return out
}

// Region describes one region.
func (v *Viewer) Region(id string) (RegionInfo, error) {
	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	r, err := v.regions.Get(id)
	if err != nil {
		return RegionInfo{}, err
	}
	return regionInfo(r), nil
}

// RegionClasses lists the distinct region classes.
func (v *Viewer) RegionClasses() []string {
	v.regionMu.Lock()
	defer v.regionMu.Unlock()
	return v.regions.Classes()
}

// UpdateRegion changes a region's name, class, colour or fill.
func (v *Viewer) UpdateRegion(id string, m region.Meta) (RegionInfo, error) {
	if m.Color != nil {
		if _, err := dataset.ParseHexColor(*m.Color); err != nil {
			return RegionInfo{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	r, err := v.regions.Update(id, m)
	if err != nil {
		return RegionInfo{}, err
	}
	v.save(r)
	v.bump()
	return regionInfo(r), nil
}

// ToggleFill flips the fill of one region, or of every region when id is empty.
func (v *Viewer) ToggleFill(id string) error {
	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	if id == "" {
		v.regions.ToggleFillAll()
		for _, r := range v.regions.List() {
			v.save(r)
		}
	} else {
		r, err := v.regions.ToggleFill(id)
		if err != nil {
			return err
		}
		v.save(r)
	}
	v.bump()
	return nil
}

// DeleteRegion removes a region.
func (v *Viewer) DeleteRegion(id string) error {
	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	if err := v.regions.Delete(id); err != nil {
		return err
	}
	if v.persist != nil {
		if err := v.persist.Delete(id); err != nil {
			log.Printf("[viewer] failed to delete stored region %s: %v", id, err)
		}
	}
	v.bump()
	return nil
}

// AnalyzeRegion counts the markers of every group inside a region and stores
// the histogram on it. With no ids every dataset is analysed.
func (v *Viewer) AnalyzeRegion(id string, ids []dataset.ID) (RegionInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var datasets []*dataset.Dataset
	if len(ids) == 0 {
		datasets = v.store.List()
	}
	keys := make([]string, len(ids))
	for i, uid := range ids {
		d, err := v.store.Get(uid)
		if err != nil {
			return RegionInfo{}, err
		}
		datasets = append(datasets, d)
		keys[i] = string(uid)
	}

	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	r, err := v.regions.Get(id)
	if err != nil {
		return RegionInfo{}, err
	}
	ck := cache.AnalysisKey(v.Version(), id, keys)
	res, ok := v.cache.GetQuery(ck)
	if !ok {
		res = region.Count(r, datasets, v.opts.ImageWidth)
		v.cache.SetQuery(ck, res)
	}
	r.Apply(res.(region.Result))
	return regionInfo(r), nil
}

// ExportGeoJSON returns every region as a GeoJSON feature collection in
// global pixel coordinates.
func (v *Viewer) ExportGeoJSON() ([]byte, error) {
	v.regionMu.Lock()
	defer v.regionMu.Unlock()
	return region.ExportGeoJSON(v.regions.List(), v.opts.ImageWidth)
}

// ImportGeoJSON replaces every region with the ones in data and returns
// how many were imported.
func (v *Viewer) ImportGeoJSON(data []byte) (int, error) {
	imported, err := region.ImportGeoJSON(data, v.opts.ImageWidth)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	v.regions.Clear()
	for _, r := range imported {
		v.regions.Add(r)
	}
	if v.persist != nil {
		if err := v.persist.Replace(imported); err != nil {
			log.Printf("[viewer] failed to persist imported regions: %v", err)
		}
	}
	v.bump()
	log.Printf("[viewer] imported %d regions", len(imported))
	return len(imported), nil
}

// WritePointsCSV writes the markers found inside each region by its last
// analysis.
func (v *Viewer) WritePointsCSV(w io.Writer) error {
	v.regionMu.Lock()
	defer v.regionMu.Unlock()
	return region.WritePointsCSV(w, v.regions.List())
}
