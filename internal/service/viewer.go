// Package service provides the viewer every surface of the server goes through.
package service

import (
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markerview/server/internal/cache"
	"github.com/markerview/server/internal/data/csvsource"
	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/events"
	"github.com/markerview/server/internal/gpu"
	"github.com/markerview/server/internal/lut"
	"github.com/markerview/server/internal/region"
	"github.com/markerview/server/internal/regionstore"
	"github.com/markerview/server/internal/render"
)

// ErrInvalid is returned for requests that are malformed rather than
// referring to something missing.
var ErrInvalid = errors.New("invalid request")

// ViewerConfig contains viewer configuration.
type ViewerConfig struct {
	Render          render.Options
	DefaultColormap string
	// CanvasWidth and CanvasHeight fill in viewports that leave the canvas size out.
	CanvasWidth  int
	CanvasHeight int
	LOD          dataset.LOD
	// Cache is optional; a small private cache is created when nil.
	Cache *cache.Manager
	// Regions is optional; without it regions live in memory only.
	Regions *regionstore.Store
}

// Viewer owns the datasets, the renderer and the regions. Mutations, Draw and
// Pick take the write lock; analysis, stats and listings take the read lock.
// regionMu guards the region set and is always taken after mu.
type Viewer struct {
	mu    sync.RWMutex
	store *dataset.Store
	dev   *gpu.Device
	luts  *lut.Manager
	r     *render.Renderer
	enc   *render.Encoder

	opts      render.Options
	canvasW   int
	canvasH   int
	lod       dataset.LOD
	cache     *cache.Manager
	ownsCache bool

	regionMu sync.Mutex
	regions  *region.Set
	persist  *regionstore.Store

	// version changes on every state change that can alter a frame,
	// legend, marker query or analysis.
	version atomic.Uint64
}

// NewViewer builds the device, LUT manager and renderer, then loads any
// stored regions.
func NewViewer(cfg ViewerConfig) (*Viewer, error) {
	if cfg.CanvasWidth <= 0 {
		cfg.CanvasWidth = 1024
	}
	if cfg.CanvasHeight <= 0 {
		cfg.CanvasHeight = cfg.CanvasWidth
	}
	if cfg.LOD == (dataset.LOD{}) {
		cfg.LOD = dataset.DefaultLOD()
	}

	store := dataset.NewStore()
	dev := gpu.NewDevice()
	luts := lut.NewManager(dev, store, cfg.DefaultColormap)
	r, err := render.New(dev, luts, cfg.Render)
	if err != nil {
		return nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	v := &Viewer{
		store:   store,
		dev:     dev,
		luts:    luts,
		r:       r,
		enc:     render.NewEncoder(),
		opts:    cfg.Render,
		canvasW: cfg.CanvasWidth,
		canvasH: cfg.CanvasHeight,
		lod:     cfg.LOD,
		cache:   cfg.Cache,
		regions: region.NewSet(dataset.RandomColor),
		persist: cfg.Regions,
	}
	if v.cache == nil {
		v.cache, err = cache.NewManager(cache.Config{FrameCacheSizeMB: 16, FrameTTL: 5 * time.Minute, QueryCacheSize: 128})
		if err != nil {
			r.Close()
			return nil, err
		}
		v.ownsCache = true
	}

	if v.persist != nil {
		stored, err := v.persist.Load()
		if err != nil {
			v.Close()
			return nil, fmt.Errorf("failed to load regions: %w", err)
		}
		for _, reg := range stored {
			v.regions.Add(reg)
		}
		if len(stored) > 0 {
			log.Printf("[viewer] restored %d regions", len(stored))
		}
	}
	return v, nil
}

// Close frees every device resource and closes the region store.
func (v *Viewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.r.Close()
	if v.persist != nil {
		if err := v.persist.Close(); err != nil {
			log.Printf("[viewer] closing region store: %v", err)
		}
	}
	if v.ownsCache {
		v.cache.Close()
	}
}

// Version returns the current state version.
func (v *Viewer) Version() uint64 { return v.version.Load() }

func (v *Viewer) bump() { v.version.Add(1) }

// ImageWidth is the width of the full-resolution image in global pixels.
func (v *Viewer) ImageWidth() float64 { return v.opts.ImageWidth }

// DatasetRequest creates a dataset from in-memory rows.
type DatasetRequest struct {
	Name        string            `json:"name"`
	Columns     []string          `json:"columns,omitempty"`
	Rows        []dataset.Row     `json:"rows"`
	Bindings    *dataset.Bindings `json:"bindings,omitempty"`
	ColorPolicy string            `json:"color_policy,omitempty"`
	Dictionary  map[string]string `json:"dictionary,omitempty"`
}

// DatasetInfo describes a dataset.
type DatasetInfo struct {
	ID        dataset.ID        `json:"uid"`
	Name      string            `json:"name"`
	Columns   []string          `json:"columns"`
	Rows      int               `json:"rows"`
	Bindings  *dataset.Bindings `json:"bindings,omitempty"`
	Mode      string            `json:"mode,omitempty"`
	Groups    int               `json:"groups"`
	Excluded  int               `json:"excluded"`
	Opacity   float64           `json:"opacity"`
	Colormap  string            `json:"colormap,omitempty"`
	ScalarMin float64           `json:"scalar_min"`
	ScalarMax float64           `json:"scalar_max"`
}

func datasetInfo(d *dataset.Dataset) DatasetInfo {
	info := DatasetInfo{
		ID:        d.ID,
		Name:      d.Name,
		Columns:   d.Columns(),
		Rows:      len(d.Rows()),
		Groups:    len(d.Groups()),
		Excluded:  d.Excluded(),
		Opacity:   d.Render.Opacity,
		Colormap:  d.Render.Colormap,
		ScalarMin: d.Render.ScalarMin,
		ScalarMax: d.Render.ScalarMax,
	}
	if b, ok := d.Bindings(); ok {
		info.Bindings = &b
		info.Mode = d.Mode().String()
	}
	return info
}

// CreateDataset adds a dataset and uploads it. A binding or colour policy
// error leaves nothing behind.
func (v *Viewer) CreateDataset(req DatasetRequest) (DatasetInfo, error) {
	policy, err := dataset.ParseColorPolicy(req.ColorPolicy)
	if err != nil {
		return DatasetInfo{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	d := v.store.Create(req.Name, req.Columns, req.Rows)
	d.Render.Policy = policy
	d.Render.Dictionary = req.Dictionary
	if req.Bindings != nil {
		if err := d.SetColumnBindings(*req.Bindings); err != nil {
			v.store.Delete(d.ID)
			return DatasetInfo{}, err
		}
	}
	if err := v.upload(d); err != nil {
		v.r.DeleteMarkers(d.ID)
		v.store.Delete(d.ID)
		return DatasetInfo{}, err
	}
	v.bump()
	log.Printf("[viewer] created dataset %s (%s): %d rows, %d groups", d.ID, d.Name, len(d.Rows()), len(d.Groups()))
	return datasetInfo(d), nil
}

// upload refreshes the LUT, the colormap texture and the vertex buffer of d.
func (v *Viewer) upload(d *dataset.Dataset) error {
	if err := v.luts.UpdateColorLUT(d); err != nil {
		return err
	}
	if err := v.luts.UpdateColormapTexture(d.ID, d.Render.Colormap); err != nil {
		return err
	}
	return v.r.LoadMarkers(d)
}

// DeleteDataset drops a dataset, its device resources and any region
// analysis results that refer to it.
func (v *Viewer) DeleteDataset(id dataset.ID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.Delete(id); err != nil {
		return err
	}
	v.r.DeleteMarkers(id)

	v.regionMu.Lock()
	for _, reg := range v.regions.List() {
		reg.Apply(withoutDataset(region.Result{Histogram: reg.Histogram, Members: reg.Members}, id))
	}
	v.regionMu.Unlock()

	v.bump()
	log.Printf("[viewer] deleted dataset %s", id)
	return nil
}

func withoutDataset(res region.Result, id dataset.ID) region.Result {
	var out region.Result
	for _, h := range res.Histogram {
		if h.Dataset != id {
			out.Histogram = append(out.Histogram, h)
		}
	}
	for _, m := range res.Members {
		if m.Dataset != id {
			out.Members = append(out.Members, m)
		}
	}
	return out
}

// SetBindings rebinds a dataset's columns and re-uploads it.
func (v *Viewer) SetBindings(id dataset.ID, b dataset.Bindings) (DatasetInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	d, err := v.store.Get(id)
	if err != nil {
		return DatasetInfo{}, err
	}
	if err := d.SetColumnBindings(b); err != nil {
		return DatasetInfo{}, err
	}
	if err := v.upload(d); err != nil {
		return DatasetInfo{}, err
	}
	v.bump()
	return datasetInfo(d), nil
}

// CommitImport replaces the rows of a dataset with an imported table and
// applies b when given. It fails with dataset.ErrNotFound when the dataset
// was deleted while the import ran.
func (v *Viewer) CommitImport(id dataset.ID, t *csvsource.Table, b *dataset.Bindings) (DatasetInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	d, err := v.store.Get(id)
	if err != nil {
		return DatasetInfo{}, err
	}
	if err := d.SetRows(t.Columns, t.Rows); err != nil {
		return DatasetInfo{}, err
	}
	if b != nil {
		if err := d.SetColumnBindings(*b); err != nil {
			return DatasetInfo{}, err
		}
	}
	if err := v.upload(d); err != nil {
		return DatasetInfo{}, err
	}
	v.bump()
	return datasetInfo(d), nil
}

// Datasets lists datasets in insertion order.
func (v *Viewer) Datasets() []DatasetInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	list := v.store.List()
	out := make([]DatasetInfo, len(list))
	for i, d := range list {
		out[i] = datasetInfo(d)
	}
	return out
}

// Dataset describes one dataset.
func (v *Viewer) Dataset(id dataset.ID) (DatasetInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, err := v.store.Get(id)
	if err != nil {
		return DatasetInfo{}, err
	}
	return datasetInfo(d), nil
}

// GroupInfo describes one group and its display state.
type GroupInfo struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Count   int    `json:"count"`
	Slot    int    `json:"slot"`
	Visible bool   `json:"visible"`
	Color   string `json:"color"`
	Shape   string `json:"shape"`
}

// Groups lists the group index of a dataset.
func (v *Viewer) Groups(id dataset.ID) ([]GroupInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, err := v.store.Get(id)
	if err != nil {
		return nil, err
	}
	groups := d.Groups()
	out := make([]GroupInfo, len(groups))
	for i, g := range groups {
		out[i] = GroupInfo{
			Key:     g.Key,
			Name:    g.DisplayName,
			Count:   g.Count(),
			Slot:    g.Slot,
			Visible: g.Visible,
			Color:   dataset.FormatHexColor(g.Color),
			Shape:   g.Shape.String(),
		}
	}
	return out, nil
}

// Stats summarises a numeric column.
func (v *Viewer) Stats(id dataset.ID, field string) (dataset.Stats, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, err := v.store.Get(id)
	if err != nil {
		return dataset.Stats{}, err
	}
	return d.Stats(field)
}

// Marker is one marker returned by a level-of-detail query.
type Marker struct {
	Index int     `json:"index"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Markers returns the markers of one group to show for a viewport, sampled
// down when the viewport is large.
func (v *Viewer) Markers(id dataset.ID, key string, view dataset.View) ([]Marker, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ck := cache.MarkersKey(v.Version(), string(id), key, view.X, view.Y, view.W, view.H)
	if cached, ok := v.cache.GetQuery(ck); ok {
		return cached.([]Marker), nil
	}
	d, err := v.store.Get(id)
	if err != nil {
		return nil, err
	}
	points, err := d.MarkersInView(key, view, v.opts.ImageWidth, v.opts.ImageHeight, v.lod)
	if err != nil {
		return nil, err
	}
	out := make([]Marker, len(points))
	for i, p := range points {
		out[i] = Marker{Index: p.Index, X: p.X, Y: p.Y}
	}
	v.cache.SetQuery(ck, out)
	return out, nil
}

// ApplyEvent applies a display-state update coming from the UI.
func (v *Viewer) ApplyEvent(e events.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	d, err := v.store.Get(e.Dataset)
	if err != nil {
		return err
	}
	switch e.Kind {
	case events.GroupDisplay:
		err = v.applyGroupEvent(d, e)
	case events.RenderState:
		err = v.applyRenderEvent(d, e)
	}
	if err != nil {
		return err
	}
	v.bump()
	return nil
}

func (v *Viewer) applyGroupEvent(d *dataset.Dataset, e events.Event) error {
	disp, ok := d.Display(e.Group)
	if !ok {
		return fmt.Errorf("%w: %q", dataset.ErrUnknownGroup, e.Group)
	}
	if e.Visible != nil {
		disp.Visible = *e.Visible
	}
	if e.Color != nil {
		c, err := dataset.ParseHexColor(*e.Color)
		if err != nil {
			return fmt.Errorf("%w: %v", events.ErrInvalid, err)
		}
		disp.Color = c
	}
	if e.Shape != nil {
		s, err := dataset.ParseShape(*e.Shape)
		if err != nil {
			return fmt.Errorf("%w: %v", events.ErrInvalid, err)
		}
		disp.Shape = s
	}
	if err := d.SetDisplay(e.Group, disp); err != nil {
		return err
	}
	return v.luts.UpdateColorLUT(d)
}

func (v *Viewer) applyRenderEvent(d *dataset.Dataset, e events.Event) error {
	rs := d.Render
	if e.Opacity != nil {
		rs.Opacity = *e.Opacity
	}
	if e.ScalarMin != nil {
		rs.ScalarMin, rs.RangeFixed = *e.ScalarMin, true
	}
	if e.ScalarMax != nil {
		rs.ScalarMax, rs.RangeFixed = *e.ScalarMax, true
	}
	if e.Colormap != nil && *e.Colormap != rs.Colormap {
		rs.Colormap = *e.Colormap
		if err := v.luts.UpdateColormapTexture(d.ID, rs.Colormap); err != nil {
			return err
		}
	}
	d.Render = rs
	return v.r.SetRenderState(d.ID, rs)
}

// viewport fills in the configured canvas size when the caller left it out.
func (v *Viewer) viewport(vp render.Viewport) render.Viewport {
	if vp.CanvasWidth == 0 {
		vp.CanvasWidth = v.canvasW
	}
	if vp.CanvasHeight == 0 {
		vp.CanvasHeight = v.canvasH
	}
	return vp
}

// Frame draws every dataset for the viewport and returns the PNG. With
// overlay set, region outlines are drawn on top.
func (v *Viewer) Frame(vp render.Viewport, overlay bool) ([]byte, error) {
	vp = v.viewport(vp)
	if err := vp.Validate(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := cache.FrameKey(v.Version(), vp.X, vp.Y, vp.W, vp.H, vp.Rotation, vp.CanvasWidth, vp.CanvasHeight, overlay)
	if data, ok := v.cache.GetFrame(key); ok {
		return data, nil
	}

	drawErr := v.r.Draw(vp)
	if errors.Is(drawErr, render.ErrViewport) {
		return nil, drawErr
	}
	data, err := v.encodeFrame(v.r.Frame(), vp, overlay)
	if err != nil {
		return nil, err
	}
	if drawErr == nil {
		if err := v.cache.SetFrame(key, data); err != nil {
			log.Printf("[viewer] frame not cached: %v", err)
		}
	}
	return data, nil
}

func (v *Viewer) encodeFrame(img *image.RGBA, vp render.Viewport, overlay bool) ([]byte, error) {
	if !overlay {
		return v.enc.EncodePNG(img)
	}
	v.regionMu.Lock()
	regions := v.regions.List()
	overlays := make([]render.RegionOverlay, 0, len(regions))
	for _, reg := range regions {
		overlays = append(overlays, regionOverlay(reg))
	}
	v.regionMu.Unlock()
	return v.enc.EncodePNG(render.DrawOverlay(img, vp, overlays))
}

func regionOverlay(reg *region.Region) render.RegionOverlay {
	polys := reg.Polygons()
	out := render.RegionOverlay{Color: reg.Color, Filled: reg.Filled}
	out.Polygons = make([][][][2]float64, len(polys))
	for i, poly := range polys {
		out.Polygons[i] = make([][][2]float64, len(poly))
		for j, ring := range poly {
			out.Polygons[i][j] = ring
		}
	}
	return out
}

// SectorShare is one pie sector of a picked marker.
type SectorShare struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// PickDetail describes the marker under a click.
type PickDetail struct {
	render.PickResult
	Group     string        `json:"group"`
	GroupName string        `json:"group_name"`
	Fields    dataset.Row   `json:"fields"`
	Sectors   []SectorShare `json:"sectors,omitempty"`
}

// Pick resolves the marker under canvas pixel (sx, sy). ok is false when
// nothing is there.
func (v *Viewer) Pick(vp render.Viewport, sx, sy float64) (PickDetail, bool, error) {
	vp = v.viewport(vp)
	if math.IsNaN(sx) || math.IsNaN(sy) {
		return PickDetail{}, false, fmt.Errorf("%w: non-finite click", ErrInvalid)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	res, ok, err := v.r.Pick(vp, sx, sy)
	if err != nil || !ok {
		return PickDetail{}, false, err
	}
	d, err := v.store.Get(res.Dataset)
	if err != nil {
		return PickDetail{}, false, err
	}
	return pickDetail(d, res), true, nil
}

func pickDetail(d *dataset.Dataset, res render.PickResult) PickDetail {
	out := PickDetail{PickResult: res, Fields: d.Rows()[res.Index]}
	points := d.Points()
	i := sort.Search(len(points), func(i int) bool { return points[i].Index >= res.Index })
	if i == len(points) || points[i].Index != res.Index {
		return out
	}
	p := points[i]
	out.Group = p.Group
	if g, ok := d.Group(p.Group); ok {
		out.GroupName = g.DisplayName
	}
	if d.Mode() == dataset.ModePie && len(p.Sectors) > 0 {
		b, _ := d.Bindings()
		names := dataset.SectorNames(b.Pie, d.Sectors())
		for j, val := range p.Sectors {
			out.Sectors = append(out.Sectors, SectorShare{Name: names[j], Value: val})
		}
		sort.SliceStable(out.Sectors, func(a, b int) bool { return out.Sectors[a].Value > out.Sectors[b].Value })
	}
	return out
}

// Legend renders the colorbar of every scalar dataset and the sector names
// of every pie dataset.
func (v *Viewer) Legend() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	key := cache.LegendKey(v.Version())
	if data, ok := v.cache.GetFrame(key); ok {
		return data, nil
	}

	var entries []render.LegendEntry
	for _, d := range v.store.List() {
		b, bound := d.Bindings()
		if !bound {
			continue
		}
		switch d.Mode() {
		case dataset.ModeScalar:
			cm, ok := v.luts.Resolve(d.Render.Colormap)
			if !ok {
				continue
			}
			entries = append(entries, render.LegendEntry{Title: d.Name, Colormap: cm, Min: d.Render.ScalarMin, Max: d.Render.ScalarMax})
		case dataset.ModePie:
			entries = append(entries, render.LegendEntry{Title: d.Name, Sectors: dataset.SectorNames(b.Pie, d.Sectors())})
		}
	}
	data, err := v.enc.EncodePNG(render.DrawLegend(entries))
	if err != nil {
		return nil, err
	}
	if err := v.cache.SetFrame(key, data); err != nil {
		log.Printf("[viewer] legend not cached: %v", err)
	}
	return data, nil
}

// Status reports counts for the health endpoint.
func (v *Viewer) Status() map[string]interface{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	return map[string]interface{}{
		"datasets":         v.store.Len(),
		"regions":          v.regions.Len(),
		"device_resources": v.dev.Live(),
		"version":          v.Version(),
		"cache":            v.cache.Stats(),
	}
}
