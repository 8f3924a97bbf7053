/*
Package console is the operator HTTP surface: health and server info, the
registered datasets and their level geometry, cache statistics, a bandwidth
monitor, a websocket stream of chunk lifecycle events, and memory profiling
endpoints.  Everything is read-only and served behind a wildcard CORS policy
so browser-based viewers can poll it directly.
*/
package console

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/wblakecaldwell/profiler"
	"github.com/zenazn/goji/graceful"
	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
	"github.com/janelia-flyem/ngstream/stream"
)

// Config holds the console server settings.
type Config struct {
	Address string `toml:"address"`
}

// Dataset is one opened multiscale dataset registered with the console.
type Dataset struct {
	Name   string
	Ref    string
	Source source.MultiscaleSource
}

// Server serves the operator console.  It owns a websocket hub fed by the
// chunk manager's lifecycle events.
type Server struct {
	version   string
	startTime time.Time
	manager   *stream.Manager
	hub       *eventHub
	events    chan stream.Event
	mux       *web.Mux

	mu       sync.RWMutex
	datasets []Dataset
}

// NewServer wires the console routes and starts forwarding chunk lifecycle
// events to the websocket hub.
func NewServer(version string, manager *stream.Manager) *Server {
	s := &Server{
		version:   version,
		startTime: time.Now(),
		manager:   manager,
		hub:       newEventHub(),
		events:    make(chan stream.Event, 256),
	}
	go s.hub.run()
	if manager != nil {
		manager.Listen(s.events)
		go s.forwardEvents()
	}
	s.initRoutes()
	return s
}

// AddDataset registers an opened dataset so its metadata is browsable.
func (s *Server) AddDataset(name, ref string, src source.MultiscaleSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets = append(s.datasets, Dataset{Name: name, Ref: ref, Source: src})
}

// ServeHTTP makes the console mountable under a larger server or httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve blocks, serving the console until shutdown.
func (s *Server) Serve(address string) error {
	ngstream.Infof("Console available at %s\n", address)
	if err := graceful.ListenAndServe(address, s.mux); err != nil {
		return fmt.Errorf("console server: %v", err)
	}
	graceful.Wait()
	return nil
}

// Shutdown detaches from the chunk manager and drops websocket clients.
func (s *Server) Shutdown() {
	if s.manager != nil {
		s.manager.Unlisten(s.events)
	}
	close(s.hub.quit)
}

func (s *Server) initRoutes() {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})

	profiler.AddMemoryProfilingHandlers()

	mux := web.New()
	mux.Use(corsHandler.Handler)

	mux.Get("/api/health", s.healthHandler)
	mux.Get("/api/server-info", s.serverInfoHandler)
	mux.Get("/api/sources", s.sourcesHandler)
	mux.Get("/api/sources/:name/info", s.sourceInfoHandler)
	mux.Get("/api/cache/stats", s.cacheStatsHandler)
	mux.Get("/api/monitor", s.monitorHandler)
	mux.Get("/events", s.hub.serveWS)

	// The profiler package registers on the default mux.
	mux.Handle("/profiler/*", http.DefaultServeMux)

	s.mux = mux
}

func jsonResponse(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		ngstream.Errorf("error writing console response: %v\n", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	jsonResponse(w, map[string]interface{}{
		"host":          hostname,
		"version":       s.version,
		"server time":   time.Now().Format(time.RFC3339),
		"uptime":        time.Since(s.startTime).String(),
		"cores":         runtime.NumCPU(),
		"maxprocs":      runtime.GOMAXPROCS(0),
		"goroutines":    runtime.NumGoroutine(),
		"heap alloc":    humanize.Bytes(memStats.HeapAlloc),
		"total alloc":   humanize.Bytes(memStats.TotalAlloc),
		"num gc":        memStats.NumGC,
		"datasets open": s.numDatasets(),
	})
}

func (s *Server) numDatasets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.datasets)
}

type datasetJSON struct {
	Name     string `json:"name"`
	Ref      string `json:"ref"`
	DataType string `json:"data_type"`
	Levels   int    `json:"levels"`
	Mesh     bool   `json:"mesh"`
	Skeleton bool   `json:"skeleton"`
}

func (s *Server) sourcesHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	listing := make([]datasetJSON, 0, len(s.datasets))
	for _, dataset := range s.datasets {
		listing = append(listing, datasetJSON{
			Name:     dataset.Name,
			Ref:      dataset.Ref,
			DataType: dataset.Source.DataType().String(),
			Levels:   len(dataset.Source.Scales()),
			Mesh:     dataset.Source.Mesh() != nil,
			Skeleton: dataset.Source.Skeleton() != nil,
		})
	}
	jsonResponse(w, map[string]interface{}{"datasets": listing})
}

type scaleJSON struct {
	Key        string               `json:"key"`
	Resolution ngstream.NdFloat32   `json:"resolution"`
	MinPoint   ngstream.Point3d     `json:"min_point"`
	MaxPoint   ngstream.Point3d     `json:"max_point"`
	ChunkSizes []ngstream.Point3d   `json:"chunk_sizes"`
	Encoding   string               `json:"encoding"`
}

func (s *Server) sourceInfoHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	name := c.URLParams["name"]
	s.mu.RLock()
	var found *Dataset
	for i := range s.datasets {
		if s.datasets[i].Name == name {
			found = &s.datasets[i]
			break
		}
	}
	s.mu.RUnlock()
	if found == nil {
		http.Error(w, fmt.Sprintf("no dataset named %q", name), http.StatusNotFound)
		return
	}

	scales := found.Source.Scales()
	scaleListing := make([]scaleJSON, len(scales))
	for i, scale := range scales {
		scaleListing[i] = scaleJSON{
			Key:        scale.Key,
			Resolution: scale.Resolution,
			MinPoint:   scale.Extents.MinPoint,
			MaxPoint:   scale.Extents.MaxPoint,
			ChunkSizes: scale.ChunkSizes,
			Encoding:   scale.Encoding.String(),
		}
	}
	jsonResponse(w, map[string]interface{}{
		"name":      found.Name,
		"ref":       found.Ref,
		"data_type": found.Source.DataType().String(),
		"scales":    scaleListing,
	})
}

type cacheStatsJSON struct {
	Resident      int    `json:"resident"`
	ResidentBytes int64  `json:"resident_bytes"`
	ResidentHuman string `json:"resident_human"`
	InFlight      int    `json:"in_flight"`
	Queued        int    `json:"queued"`
	Failed        int    `json:"failed"`
	Evictions     int64  `json:"evictions"`
	Restores      int64  `json:"restores"`
	Epoch         uint64 `json:"epoch"`
}

func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "no chunk manager running", http.StatusServiceUnavailable)
		return
	}
	stats := s.manager.Stats()
	jsonResponse(w, cacheStatsJSON{
		Resident:      stats.Resident,
		ResidentBytes: stats.ResidentBytes,
		ResidentHuman: humanize.Bytes(uint64(stats.ResidentBytes)),
		InFlight:      stats.InFlight,
		Queued:        stats.Queued,
		Failed:        stats.Failed,
		Evictions:     stats.Evictions,
		Restores:      stats.Restores,
		Epoch:         stats.Epoch,
	})
}

func (s *Server) monitorHandler(w http.ResponseWriter, r *http.Request) {
	bytesPerSec := fetch.BytesReadPerSec
	jsonResponse(w, map[string]interface{}{
		"bytes read/sec": bytesPerSec,
		"ops/sec":        fetch.OpsPerSec,
		"bandwidth":      humanize.Bytes(uint64(bytesPerSec)) + "/s",
	})
}

// eventJSON is the websocket wire form of a lifecycle event.
type eventJSON struct {
	Source   uint32              `json:"source"`
	Level    uint8               `json:"level"`
	Coord    ngstream.ChunkPoint3d `json:"coord"`
	Encoding string              `json:"encoding"`
	State    string              `json:"state"`
	Priority float64             `json:"priority"`
	Epoch    uint64              `json:"epoch"`
	Bytes    int64               `json:"bytes"`
	Error    string              `json:"error,omitempty"`
}

func (s *Server) forwardEvents() {
	for {
		var event stream.Event
		select {
		case event = <-s.events:
		case <-s.hub.quit:
			return
		}
		wire := eventJSON{
			Source:   uint32(event.Key.Source),
			Level:    event.Key.Level,
			Coord:    event.Key.Coord,
			Encoding: event.Key.Encoding.String(),
			State:    event.State.String(),
			Priority: event.Priority,
			Epoch:    event.Epoch,
			Bytes:    event.Bytes,
		}
		if event.Err != nil {
			wire.Error = event.Err.Error()
		}
		message, err := json.Marshal(wire)
		if err != nil {
			ngstream.Errorf("unable to marshal lifecycle event: %v\n", err)
			continue
		}
		s.hub.publish(message)
	}
}
