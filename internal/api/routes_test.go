package api

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/markerview/server/internal/render"
	"github.com/markerview/server/internal/service"
)

// testServer wires a viewer into the router without listening.
type testServer struct {
	viewer  *service.Viewer
	imports *ImportJobManager
	handler http.Handler
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	opts := render.DefaultOptions()
	opts.ImageWidth, opts.ImageHeight = 1000, 1000
	opts.MarkerScale = 0.1
	v, err := service.NewViewer(service.ViewerConfig{
		Render:          opts,
		DefaultColormap: "viridis",
		CanvasWidth:     100,
		CanvasHeight:    100,
	})
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}
	t.Cleanup(v.Close)

	jm := NewImportJobManager(ImportJobManagerConfig{MaxConcurrent: 1})
	jm.Executor = NewImportExecutor(v)
	jm.Start()
	t.Cleanup(jm.Stop)

	return &testServer{
		viewer:  v,
		imports: jm,
		handler: NewRouter(RouterConfig{Viewer: v, Imports: jm, CORSOrigins: []string{"*"}, Title: "test"}),
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const genesBody = `{
	"name": "genes",
	"rows": [
		{"x": "100", "y": "100", "gene": "A"},
		{"x": "200", "y": "200", "gene": "A"},
		{"x": "800", "y": "800", "gene": "B"}
	],
	"bindings": {"x": "x", "y": "y", "group": "gene"}
}`

func (ts *testServer) createGenes(t *testing.T) service.DatasetInfo {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/datasets", genesBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create dataset: status %d: %s", rec.Code, rec.Body.String())
	}
	return decode[service.DatasetInfo](t, rec)
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
	st := decode[map[string]interface{}](t, ts.do(t, http.MethodGet, "/api/status", ""))
	if st["title"] != "test" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestDatasetLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	info := ts.createGenes(t)
	if info.Groups != 2 || info.Mode != "group" {
		t.Fatalf("unexpected dataset %+v", info)
	}

	list := decode[[]service.DatasetInfo](t, ts.do(t, http.MethodGet, "/api/datasets", ""))
	if len(list) != 1 || list[0].ID != info.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	groups := decode[[]service.GroupInfo](t, ts.do(t, http.MethodGet, "/api/datasets/"+string(info.ID)+"/groups", ""))
	if len(groups) != 2 || groups[0].Count != 2 {
		t.Fatalf("unexpected groups %+v", groups)
	}

	rec := ts.do(t, http.MethodPut, "/api/datasets/"+string(info.ID)+"/groups/A", `{"visible": false}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("hide group: status %d: %s", rec.Code, rec.Body.String())
	}
	pick := decode[map[string]interface{}](t, ts.do(t, http.MethodGet, "/pick?sx=10&sy=10", ""))
	if pick["hit"] != false {
		t.Fatalf("hidden group was picked: %+v", pick)
	}
	pick = decode[map[string]interface{}](t, ts.do(t, http.MethodGet, "/pick?sx=80&sy=80", ""))
	if pick["hit"] != true || pick["group"] != "B" {
		t.Fatalf("expected to pick B, got %+v", pick)
	}

	rec = ts.do(t, http.MethodDelete, "/api/datasets/"+string(info.ID), "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/datasets/"+string(info.ID), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted dataset: expected 404, got %d", rec.Code)
	}
}

func TestErrorStatuses(t *testing.T) {
	ts := setupTestServer(t)
	info := ts.createGenes(t)
	base := "/api/datasets/" + string(info.ID)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown dataset", http.MethodGet, "/api/datasets/nope/groups", "", http.StatusNotFound},
		{"unknown group", http.MethodPut, base + "/groups/Z", `{"visible": true}`, http.StatusNotFound},
		{"unknown column", http.MethodPut, base + "/bindings", `{"x": "x", "y": "y", "group": "cell"}`, http.StatusBadRequest},
		{"unknown stats field", http.MethodGet, base + "/stats/area", "", http.StatusBadRequest},
		{"bad colour", http.MethodPut, base + "/groups/A", `{"color": "red"}`, http.StatusBadRequest},
		{"bad opacity", http.MethodPut, base + "/render", `{"opacity": 3}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/datasets", `{`, http.StatusBadRequest},
		{"bad viewport", http.MethodGet, "/frame.png?w=0", "", http.StatusBadRequest},
		{"pick without click", http.MethodGet, "/pick", "", http.StatusBadRequest},
		{"unknown region", http.MethodPost, "/api/regions/region9/analyze", "", http.StatusNotFound},
		{"unknown job", http.MethodGet, "/api/imports/abc", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestFrameAndLegend(t *testing.T) {
	ts := setupTestServer(t)
	ts.createGenes(t)

	rec := ts.do(t, http.MethodGet, "/frame.png?x=0&y=0&w=1&h=1&width=64&height=48", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("frame: status %d: %s", rec.Code, rec.Body.String())
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("frame is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("unexpected frame size %v", b)
	}

	rec = ts.do(t, http.MethodGet, "/legend.png", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("legend: status %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestRegionEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	info := ts.createGenes(t)

	var st service.DrawState
	for _, click := range []string{`{"x":0.1,"y":0.1}`, `{"x":0.2,"y":0.1}`, `{"x":0.2,"y":0.2}`, `{"x":0.1,"y":0.2}`, `{"x":0.1,"y":0.1}`} {
		rec := ts.do(t, http.MethodPost, "/api/regions/draw", click)
		if rec.Code != http.StatusOK {
			t.Fatalf("draw: status %d: %s", rec.Code, rec.Body.String())
		}
		st = decode[service.DrawState](t, rec)
	}
	if st.Closed == nil || st.Closed.ID != "region1" {
		t.Fatalf("expected region1 to close, got %+v", st)
	}

	rec := ts.do(t, http.MethodPost, "/api/regions/region1/analyze", `{"uids": ["`+string(info.ID)+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze: status %d: %s", rec.Code, rec.Body.String())
	}
	reg := decode[service.RegionInfo](t, rec)
	if len(reg.Histogram) != 1 || reg.Histogram[0].Key != "A" || reg.Histogram[0].Count != 2 {
		t.Fatalf("unexpected histogram %+v", reg.Histogram)
	}

	rec = ts.do(t, http.MethodPut, "/api/regions/region1", `{"name": "tumour", "class": "roi", "color": "#00ff00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d: %s", rec.Code, rec.Body.String())
	}
	if reg = decode[service.RegionInfo](t, rec); reg.Name != "tumour" || reg.Color != "#00ff00" {
		t.Fatalf("update not applied: %+v", reg)
	}

	rec = ts.do(t, http.MethodGet, "/api/regions/points.csv", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tumour") {
		t.Fatalf("points export: status %d body %q", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/regions/export.geojson", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export: status %d", rec.Code)
	}
	exported := rec.Body.String()
	if !strings.Contains(exported, "FeatureCollection") {
		t.Fatalf("unexpected export %s", exported)
	}

	rec = ts.do(t, http.MethodPost, "/api/regions/import", exported)
	if rec.Code != http.StatusOK {
		t.Fatalf("import: status %d: %s", rec.Code, rec.Body.String())
	}
	regions := decode[[]service.RegionInfo](t, ts.do(t, http.MethodGet, "/api/regions", ""))
	if len(regions) != 1 || regions[0].Name != "tumour" || regions[0].Class != "roi" {
		t.Fatalf("unexpected regions after import %+v", regions)
	}

	rec = ts.do(t, http.MethodDelete, "/api/regions/"+regions[0].ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete region: status %d", rec.Code)
	}
}
