// Package api provides HTTP handlers for the marker viewer server.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/events"
	"github.com/markerview/server/internal/region"
	"github.com/markerview/server/internal/render"
	"github.com/markerview/server/internal/service"
)

// maxBodyBytes caps JSON and GeoJSON request bodies.
const maxBodyBytes = 64 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Viewer      *service.Viewer
	CORSOrigins []string
	Imports     *ImportJobManager
	Title       string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json", "text/csv", "application/geo+json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	v := cfg.Viewer

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/api/status", statusHandler(v, cfg.Title))

	// Frames, picking and legend
	r.Get("/frame.png", frameHandler(v))
	r.Get("/pick", pickHandler(v))
	r.Get("/legend.png", legendHandler(v))

	r.Route("/api/datasets", func(r chi.Router) {
		r.Get("/", datasetsHandler(v))
		r.Post("/", createDatasetHandler(v))
		r.Route("/{uid}", func(r chi.Router) {
			r.Get("/", datasetHandler(v))
			r.Delete("/", deleteDatasetHandler(v))
			r.Put("/bindings", bindingsHandler(v))
			r.Put("/render", renderStateHandler(v))
			r.Get("/stats/{field}", statsHandler(v))
			r.Get("/groups", groupsHandler(v))
			r.Put("/groups/{key}", groupDisplayHandler(v))
			r.Get("/groups/{key}/markers", markersHandler(v))
		})
	})

	r.Route("/api/imports", func(r chi.Router) {
		r.Get("/", importListHandler(cfg.Imports))
		r.Post("/", importSubmitHandler(v, cfg.Imports))
		r.Get("/{job_id}", importStatusHandler(cfg.Imports))
		r.Delete("/{job_id}", importCancelHandler(cfg.Imports))
	})

	r.Route("/api/regions", func(r chi.Router) {
		r.Get("/", regionsHandler(v))
		r.Get("/classes", regionClassesHandler(v))
		r.Post("/draw", regionDrawHandler(v))
		r.Delete("/draw", regionCancelHandler(v))
		r.Post("/fill", regionFillHandler(v))
		r.Get("/export.geojson", regionExportHandler(v))
		r.Post("/import", regionImportHandler(v))
		r.Get("/points.csv", regionPointsHandler(v))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", regionHandler(v))
			r.Put("/", regionUpdateHandler(v))
			r.Delete("/", regionDeleteHandler(v))
			r.Post("/fill", regionFillHandler(v))
			r.Post("/analyze", regionAnalyzeHandler(v))
		})
	})

	return r
}

// statusCode maps viewer errors to HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, dataset.ErrNotFound),
		errors.Is(err, dataset.ErrUnknownGroup),
		errors.Is(err, region.ErrNotFound),
		errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, dataset.ErrUnknownColumn),
		errors.Is(err, dataset.ErrNotBound),
		errors.Is(err, render.ErrViewport),
		errors.Is(err, region.ErrNotClosed),
		errors.Is(err, events.ErrInvalid),
		errors.Is(err, service.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusCode(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", service.ErrInvalid, err)
	}
	return nil
}

// pathParam returns an unescaped URL parameter; group keys may contain '/'.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

func uidParam(r *http.Request) dataset.ID {
	return dataset.ID(pathParam(r, "uid"))
}

// floatParam reads an optional finite float query parameter.
func floatParam(q url.Values, name string, def float64) (float64, error) {
	s := q.Get(name)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: invalid %s %q", service.ErrInvalid, name, s)
	}
	return f, nil
}

// parseViewport reads x, y, w, h, rotation, width and height. The rectangle
// defaults to the whole image and the canvas to the configured size.
func parseViewport(q url.Values) (render.Viewport, error) {
	var vp render.Viewport
	fields := []struct {
		name string
		dst  *float64
		def  float64
	}{
		{"x", &vp.X, 0}, {"y", &vp.Y, 0}, {"w", &vp.W, 1}, {"h", &vp.H, 1}, {"rotation", &vp.Rotation, 0},
	}
	for _, f := range fields {
		v, err := floatParam(q, f.name, f.def)
		if err != nil {
			return render.Viewport{}, err
		}
		*f.dst = v
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{{"width", &vp.CanvasWidth}, {"height", &vp.CanvasHeight}} {
		s := q.Get(f.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return render.Viewport{}, fmt.Errorf("%w: invalid %s %q", service.ErrInvalid, f.name, s)
		}
		*f.dst = n
	}
	return vp, nil
}

func queryBool(q url.Values, name string) bool {
	b, _ := strconv.ParseBool(q.Get(name))
	return b
}

func statusHandler(v *service.Viewer, title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := v.Status()
		st["title"] = title
		writeJSON(w, http.StatusOK, st)
	}
}

func frameHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vp, err := parseViewport(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		data, err := v.Frame(vp, queryBool(r.URL.Query(), "overlay"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

func pickHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		vp, err := parseViewport(q)
		if err != nil {
			writeError(w, err)
			return
		}
		if q.Get("sx") == "" || q.Get("sy") == "" {
			http.Error(w, "sx and sy are required", http.StatusBadRequest)
			return
		}
		sx, err := floatParam(q, "sx", 0)
		if err != nil {
			writeError(w, err)
			return
		}
		sy, err := floatParam(q, "sy", 0)
		if err != nil {
			writeError(w, err)
			return
		}

		detail, ok, err := v.Pick(vp, sx, sy)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{"hit": false})
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Hit bool `json:"hit"`
			service.PickDetail
		}{true, detail})
	}
}

func legendHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := v.Legend()
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}
}

func datasetsHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, v.Datasets())
	}
}

func createDatasetHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.DatasetRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		info, err := v.CreateDataset(req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
	}
}

func datasetHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := v.Dataset(uidParam(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func deleteDatasetHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := v.DeleteDataset(uidParam(r)); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func bindingsHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b dataset.Bindings
		if err := decodeBody(r, &b); err != nil {
			writeError(w, err)
			return
		}
		info, err := v.SetBindings(uidParam(r), b)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func renderStateHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e events.Event
		if err := decodeBody(r, &e); err != nil {
			writeError(w, err)
			return
		}
		e.Kind, e.Dataset, e.Group = events.RenderState, uidParam(r), ""
		if err := v.ApplyEvent(e); err != nil {
			writeError(w, err)
			return
		}
		info, err := v.Dataset(e.Dataset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func statsHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := v.Stats(uidParam(r), pathParam(r, "field"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func groupsHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups, err := v.Groups(uidParam(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	}
}

func groupDisplayHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e events.Event
		if err := decodeBody(r, &e); err != nil {
			writeError(w, err)
			return
		}
		e.Kind, e.Dataset, e.Group = events.GroupDisplay, uidParam(r), pathParam(r, "key")
		if err := v.ApplyEvent(e); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func markersHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vp, err := parseViewport(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		markers, err := v.Markers(uidParam(r), pathParam(r, "key"), dataset.View{X: vp.X, Y: vp.Y, W: vp.W, H: vp.H})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, markers)
	}
}

type importSubmitRequest struct {
	Dataset     dataset.ID        `json:"uid"`
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	Bindings    *dataset.Bindings `json:"bindings"`
	ColorPolicy string            `json:"color_policy"`
	Dictionary  map[string]string `json:"dictionary"`
}

func importSubmitHandler(v *service.Viewer, jm *ImportJobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "import jobs not configured", http.StatusNotImplemented)
			return
		}

		var req importSubmitRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if strings.TrimSpace(req.Path) == "" {
			http.Error(w, "path is required", http.StatusBadRequest)
			return
		}

		// A new dataset appears empty right away and fills when the job completes.
		target := req.Dataset
		if target == "" {
			name := req.Name
			if name == "" {
				name = filepath.Base(req.Path)
			}
			info, err := v.CreateDataset(service.DatasetRequest{Name: name, ColorPolicy: req.ColorPolicy, Dictionary: req.Dictionary})
			if err != nil {
				writeError(w, err)
				return
			}
			target = info.ID
		} else if _, err := v.Dataset(target); err != nil {
			writeError(w, err)
			return
		}

		job, err := jm.Submit(target, req.Path, req.Bindings)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func importListHandler(jm *ImportJobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "import jobs not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, jm.List())
	}
}

func importStatusHandler(jm *ImportJobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "import jobs not configured", http.StatusNotImplemented)
			return
		}
		job, err := jm.Get(chi.URLParam(r, "job_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func importCancelHandler(jm *ImportJobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "import jobs not configured", http.StatusNotImplemented)
			return
		}
		jobID := chi.URLParam(r, "job_id")
		cancelled, err := jm.Cancel(jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": cancelled,
		})
	}
}

func regionsHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, v.Regions())
	}
}

func regionClassesHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, v.RegionClasses())
	}
}

func regionDrawHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var click struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := decodeBody(r, &click); err != nil {
			writeError(w, err)
			return
		}
		if click.X == nil || click.Y == nil {
			http.Error(w, "x and y are required", http.StatusBadRequest)
			return
		}
		st, err := v.RegionClick(*click.X, *click.Y)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func regionCancelHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, v.CancelDrawing())
	}
}

func regionHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := v.Region(pathParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func regionUpdateHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m region.Meta
		if err := decodeBody(r, &m); err != nil {
			writeError(w, err)
			return
		}
		info, err := v.UpdateRegion(pathParam(r, "id"), m)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func regionDeleteHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := v.DeleteRegion(pathParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// regionFillHandler toggles the fill of the region in the path, or of every
// region on the collection route.
func regionFillHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := v.ToggleFill(pathParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func regionAnalyzeHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Datasets []dataset.ID `json:"uids"`
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		info, err := v.AnalyzeRegion(pathParam(r, "id"), req.Datasets)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func regionExportHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := v.ExportGeoJSON()
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Content-Disposition", `attachment; filename="regions.geojson"`)
		w.Write(data)
	}
}

func regionImportHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		n, err := v.ImportGeoJSON(data)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"imported": n})
	}
}

func regionPointsHandler(v *service.Viewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="regions_points.csv"`)
		if err := v.WritePointsCSV(w); err != nil {
			// Headers are already out; the client sees a truncated file.
			log.Printf("[api] points export failed: %v", err)
		}
	}
}
