package fusionsvc

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	logger "log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
)

// rootHandler answers the bare root path so load balancers probing "/" get
// a cheap liveness signal without touching any cache.
type rootHandler struct {
}

func (h *rootHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

// webMetrics holds the prometheus instruments the handlers update.
type webMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func makeWebMetrics(reg *prometheus.Registry) *webMetrics {
	factory := promauto.With(reg)
	return &webMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fusion_http_requests_total",
			Help: "API requests served, by endpoint and result code.",
		}, []string{"endpoint", "code"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fusion_http_request_seconds",
			Help:    "API request latency, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

// registerFeedGauges exposes each poller's snapshot age so feed staleness
// shows up in the scrape without a dedicated health round-trip.
func registerFeedGauges(reg *prometheus.Registry, core *Core) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fusion_vehicle_poll_age_seconds",
		Help: "Seconds since the last successful vehicle feed poll.",
	}, func() float64 {
		return core.Vehicles.LastPollAge(time.Now()).Seconds()
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fusion_tripupdate_poll_age_seconds",
		Help: "Seconds since the last successful trip-update feed poll.",
	}, func() float64 {
		return core.TripUpdates.LastPollAge(time.Now()).Seconds()
	})
}

//trainDetailHandler responds to /v1/trains/{nucleus}/{identifier}
type trainDetailHandler struct {
	log     *logger.Logger
	core    *Core
	metrics *webMetrics
}

func (h *trainDetailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	nucleus := vars["nucleus"]
	identifier := vars["identifier"]

	vm, err := h.core.BuildTrainDetailVM(nucleus, identifier, time.Now())
	if err != nil {
		h.metrics.requests.WithLabelValues("train_detail", "404").Inc()
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	response := struct {
		*TrainDetailVM
		ArrivalTimes map[string]ArrivalTime `json:"arrival_times,omitempty"`
	}{TrainDetailVM: vm}
	if includeArrivals(r) {
		override := strings.ToLower(r.FormValue("downstream_tu_override")) == "true"
		response.ArrivalTimes = h.core.BuildRtArrivalTimesFromVM(vm, time.Now(), override)
	}

	writeJSON(h.log, w, response)
	h.metrics.requests.WithLabelValues("train_detail", "200").Inc()
	h.metrics.latency.WithLabelValues("train_detail").Observe(time.Since(start).Seconds())
}

func includeArrivals(r *http.Request) bool {
	return strings.ToLower(r.FormValue("arrivals")) != "false"
}

//nearestHandler responds to /v1/stops/{stopId}/next
type nearestHandler struct {
	log     *logger.Logger
	core    *Core
	metrics *webMetrics
}

func (h *nearestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stopId := mux.Vars(r)["stopId"]
	routeId := r.FormValue("route_id")
	direction := gtfs.Direction(r.FormValue("direction_id"))

	limit := 5
	if v, err := strconv.Atoi(r.FormValue("limit")); err == nil && v > 0 {
		limit = v
	}
	allowNextDay := strings.ToLower(r.FormValue("allow_next_day")) != "false"

	rows, err := h.core.NearestPredictionForStop(routeId, direction, stopId, limit, allowNextDay, time.Now())
	if err != nil {
		h.metrics.requests.WithLabelValues("nearest", "500").Inc()
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		h.log.Printf("nearest prediction for stop %s: %v", stopId, err)
		return
	}

	writeJSON(h.log, w, struct {
		StopId   string              `json:"stop_id"`
		StopName string              `json:"stop_name,omitempty"`
		Results  []NearestPrediction `json:"results"`
	}{StopId: stopId, StopName: h.core.Repo.StopName(stopId), Results: rows})
	h.metrics.requests.WithLabelValues("nearest", "200").Inc()
	h.metrics.latency.WithLabelValues("nearest").Observe(time.Since(start).Seconds())
}

//healthzHandler reports feed staleness for the load balancer and the UI
type healthzHandler struct {
	core *Core
}

func (h *healthzHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	body := struct {
		Status                 string  `json:"status"`
		VehiclePollAgeS        float64 `json:"vehicle_poll_age_s"`
		VehicleSnapshotId      string  `json:"vehicle_snapshot_id,omitempty"`
		VehicleStale           bool    `json:"vehicle_stale"`
		VehicleErrorsStreak    int     `json:"vehicle_errors_streak"`
		TripUpdatePollAgeS     float64 `json:"tripupdate_poll_age_s"`
		TripUpdateErrorsStreak int     `json:"tripupdate_errors_streak"`
	}{
		Status:                 "ok",
		VehiclePollAgeS:        h.core.Vehicles.LastPollAge(now).Seconds(),
		VehicleSnapshotId:      h.core.Vehicles.SnapshotId(),
		VehicleStale:           h.core.Vehicles.IsStale(now),
		VehicleErrorsStreak:    h.core.Vehicles.ErrorsStreak(),
		TripUpdatePollAgeS:     h.core.TripUpdates.LastPollAge(now).Seconds(),
		TripUpdateErrorsStreak: h.core.TripUpdates.ErrorsStreak(),
	}
	data, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeJSON(log *logger.Logger, w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error marshaling response to json: %v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		log.Printf("Error writing json response: %s", err)
	}
}

var debugVarsOnce sync.Once

// publishDebugVars exposes the pollers' error streaks and snapshot ids
// under /debug/vars. Guarded by a Once because expvar.Publish panics on
// duplicate names.
func publishDebugVars(core *Core) {
	debugVarsOnce.Do(func() {
		expvar.Publish("vehicle_errors_streak", expvar.Func(func() interface{} {
			return core.Vehicles.ErrorsStreak()
		}))
		expvar.Publish("tripupdate_errors_streak", expvar.Func(func() interface{} {
			return core.TripUpdates.ErrorsStreak()
		}))
		expvar.Publish("vehicle_snapshot_id", expvar.Func(func() interface{} {
			return core.Vehicles.SnapshotId()
		}))
	})
}

// createServer assembles the router and the http.Server serving the fusion
// query surface. Timeouts are short: every endpoint answers from in-memory
// state, so a request that takes longer than a few seconds is a stuck
// client, not a slow computation.
func createServer(log *logger.Logger, core *Core, httpPort int) *http.Server {
	reg := prometheus.NewRegistry()
	metrics := makeWebMetrics(reg)
	registerFeedGauges(reg, core)

	publishDebugVars(core)

	r := mux.NewRouter()
	r.Handle("/", &rootHandler{})
	r.Handle("/v1/trains/{nucleus}/{identifier}", &trainDetailHandler{log: log, core: core, metrics: metrics})
	r.Handle("/v1/stops/{stopId}/next", &nearestHandler{log: log, core: core, metrics: metrics})
	r.Handle("/v1/healthz", &healthzHandler{core: core})
	r.Handle("/debug/vars", expvar.Handler())
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", httpPort),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
		Handler:      r,
	}
}

// RunWebService serves the query API until shutdownSignal closes, then
// drains in-flight requests for up to five seconds before returning.
func RunWebService(log *logger.Logger, wg *sync.WaitGroup, core *Core, httpPort int, shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()
	srv := createServer(log, core, httpPort)
	log.Printf("fusionsvc: query API listening on %s", srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("fusionsvc: ListenAndServe ended: %v", err)
		}
	}()

	<-shutdownSignal
	log.Printf("fusionsvc: draining query API on shutdown signal")
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Printf("fusionsvc: error shutting down query API: %v", err)
	}
}
