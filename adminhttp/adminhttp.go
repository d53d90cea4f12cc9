/*Package adminhttp is a read-only HTTP diagnostics surface over the
Controller's registries (SPEC_FULL.md §4.5), grounded in the teacher's
go-chi/chi-based routing (generichttp/motion's handler style) and its
server.Mainframe/RouteGraph pattern for listing bound routes. It never
mutates state - all writes go through the TCP control protocol via
package session/controller.
*/
package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/RemoteEntanglement/Wavemeter-Server/registry"
)

// StatusProvider is the subset of controller.Controller this package
// needs. Kept narrow so adminhttp does not import controller.
type StatusProvider interface {
	Status() (status registry.Status, focusedChannel string, numClients int)
	ChannelSnapshots() []ChannelSnapshot
}

// ChannelSnapshot is a read-only view of one channel's public fields.
type ChannelSnapshot struct {
	Name              string  `json:"name"`
	TargetFrequency   float64 `json:"targetFrequency"`
	CurrentFrequency  float64 `json:"currentFrequency"`
	WeightedFrequency float64 `json:"weightedFrequency"`
	ExposureTimeMs    int     `json:"exposureTimeMs"`
	PIDOn             bool    `json:"pidOn"`
	AutoExposureOn    bool    `json:"autoExposureOn"`
	MonitorCount      int     `json:"monitorCount"`
}

// NewMux builds the admin route table, mirroring the teacher's
// RouteTable-then-BuildMux two-step for a single, handwritten component.
func NewMux(sp StatusProvider) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/healthz", handleHealthz)
	r.Get("/status", handleStatus(sp))
	r.Get("/channels", handleChannels(sp))
	r.Get("/route-graph", handleRouteGraph)
	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleStatus(sp StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, focused, n := sp.Status()
		writeJSON(w, map[string]interface{}{
			"serverStatus":   string(status),
			"focusedChannel": focused,
			"numClients":     n,
		})
	}
}

func handleChannels(sp StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sp.ChannelSnapshots())
	}
}

// handleRouteGraph lists the routes this mux itself serves, the same
// diagnostic the teacher's RouteGraph exposes for its own Mainframe.
func handleRouteGraph(w http.ResponseWriter, r *http.Request) {
	routes := []string{"/healthz", "/status", "/channels", "/route-graph"}
	writeJSON(w, routes)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
