// Package handlers exposes the zapping controller over a small JSON API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"kptv-zap/work/controller"
	"kptv-zap/work/logger"
	"kptv-zap/work/middleware"
	"kptv-zap/work/tiers"
	"kptv-zap/work/types"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller is the part of *controller.Controller the API drives.
type Controller interface {
	Status() controller.Status
	Channels() []types.Channel
	SwitchTo(ctx context.Context, index int) (controller.Result, error)
	Next(ctx context.Context) (controller.Result, error)
	Prev(ctx context.Context) (controller.Result, error)
	SetAllowedTiers(labels []string) error
	ForceQuality(ctx context.Context, quality string) error
	SetNetwork(category string, maxBandwidth float64) error
	KillChannel(index int) error
	ReviveChannel(index int) error
	ClearFailures()
	Ingest(ev types.BackendEvent)
}

// Options configures the router.
type Options struct {
	AdminUser         string
	AdminPasswordHash string
}

// ChannelResponse is one catalog entry as listed by GET /api/channels.
type ChannelResponse struct {
	Index     int      `json:"index"`
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  string   `json:"category"`
	LogoURL   string   `json:"logoURL,omitempty"`
	Qualities []string `json:"qualities"`
	Dead      bool     `json:"dead"`
	Current   bool     `json:"current"`
}

// NewRouter builds the API. Reads are open; every state change sits behind basic auth
// when credentials are configured.
func NewRouter(ctl Controller, opts Options) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.CORS)

	read := router.Methods(http.MethodGet, http.MethodOptions).Subrouter()
	read.Use(middleware.Gzip)
	read.HandleFunc("/api/status", handleStatus(ctl))
	read.HandleFunc("/api/channels", handleChannels(ctl))
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	write := router.Methods(http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions).Subrouter()
	write.Use(middleware.BasicAuth(opts.AdminUser, opts.AdminPasswordHash))
	write.HandleFunc("/api/channels/next", handleStep(ctl.Next)).Methods(http.MethodPost, http.MethodOptions)
	write.HandleFunc("/api/channels/prev", handleStep(ctl.Prev)).Methods(http.MethodPost, http.MethodOptions)
	write.HandleFunc("/api/channels/{index:[0-9]+}/play", handlePlay(ctl)).Methods(http.MethodPost, http.MethodOptions)
	write.HandleFunc("/api/channels/{index:[0-9]+}/kill", handleChannelFlag(ctl.KillChannel, "killed")).Methods(http.MethodPost, http.MethodOptions)
	write.HandleFunc("/api/channels/{index:[0-9]+}/revive", handleChannelFlag(ctl.ReviveChannel, "revived")).Methods(http.MethodPost, http.MethodOptions)
	write.HandleFunc("/api/tiers", handleTiers(ctl)).Methods(http.MethodPut, http.MethodOptions)
	write.HandleFunc("/api/quality", handleQuality(ctl)).Methods(http.MethodPut, http.MethodOptions)
	write.HandleFunc("/api/network", handleNetwork(ctl)).Methods(http.MethodPut, http.MethodOptions)
	write.HandleFunc("/api/events", handleEvent(ctl)).Methods(http.MethodPost, http.MethodOptions)
	write.HandleFunc("/api/failures", handleClearFailures(ctl)).Methods(http.MethodDelete, http.MethodOptions)

	return router
}

func handleStatus(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctl.Status())
	}
}

func handleChannels(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := ctl.Status()
		dead := make(map[int]bool, len(st.DeadChannels))
		for _, idx := range st.DeadChannels {
			dead[idx] = true
		}

		channels := ctl.Channels()
		out := make([]ChannelResponse, 0, len(channels))
		for i := range channels {
			ch := &channels[i]
			out = append(out, ChannelResponse{
				Index:     i,
				ID:        ch.ID,
				Name:      ch.Name,
				Category:  ch.Category,
				LogoURL:   ch.Logo,
				Qualities: ch.QualityKeys(),
				Dead:      dead[i],
				Current:   i == st.Index,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleStep(step func(context.Context) (controller.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := step(r.Context())
		writeResult(w, res, err)
	}
}

func handlePlay(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, ok := indexVar(w, r)
		if !ok {
			return
		}
		res, err := ctl.SwitchTo(r.Context(), idx)
		writeResult(w, res, err)
	}
}

func handleChannelFlag(apply func(int) error, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, ok := indexVar(w, r)
		if !ok {
			return
		}
		if err := apply(idx); err != nil {
			writeError(w, err)
			return
		}
		logger.Info("{handlers/handlers - handleChannelFlag} channel %d %s via API", idx, verb)
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "index": idx, "action": verb})
	}
}

func handleTiers(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Allowed []string `json:"allowed"`
		}
		if !decode(w, r, &req) {
			return
		}
		if err := ctl.SetAllowedTiers(req.Allowed); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ctl.Status())
	}
}

func handleQuality(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Quality string `json:"quality"`
		}
		if !decode(w, r, &req) {
			return
		}
		if err := ctl.ForceQuality(r.Context(), req.Quality); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ctl.Status())
	}
}

func handleNetwork(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Category     string  `json:"category"`
			MaxBandwidth float64 `json:"maxBandwidth"`
		}
		if !decode(w, r, &req) {
			return
		}
		if req.Category == "" {
			http.Error(w, "category is required", http.StatusBadRequest)
			return
		}
		if err := ctl.SetNetwork(req.Category, req.MaxBandwidth); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ctl.Status())
	}
}

var eventKinds = map[types.EventKind]bool{
	types.EventManifestParsed: true,
	types.EventLevelSwitching: true,
	types.EventError:          true,
	types.EventStalled:        true,
	types.EventSuspend:        true,
	types.EventProgress:       true,
}

func handleEvent(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev types.BackendEvent
		if !decode(w, r, &ev) {
			return
		}
		if !eventKinds[ev.Kind] {
			http.Error(w, "unknown event kind", http.StatusBadRequest)
			return
		}
		ctl.Ingest(ev)
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleClearFailures(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctl.ClearFailures()
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func indexVar(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		http.Error(w, "Invalid channel index", http.StatusBadRequest)
		return 0, false
	}
	return idx, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, res controller.Result, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrUnknownQuality),
		errors.Is(err, tiers.ErrUnknownTier),
		errors.Is(err, tiers.ErrNoTiers):
		status = http.StatusBadRequest
	case errors.Is(err, controller.ErrUnknownChannel):
		status = http.StatusNotFound
	case errors.Is(err, controller.ErrNothingPlayable):
		status = http.StatusBadGateway
	case errors.Is(err, controller.ErrDestroyed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} failed to encode response: %v", err)
	}
}
