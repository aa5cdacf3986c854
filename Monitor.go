package pi_short_circuit

import (
	"encoding/json"
	"net/http"

	rice "github.com/GeertJohan/go.rice"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// Status is the live view of a run.
type Status struct {
	Run      string
	Phase    Phase
	Samples  int
	Decision *Decision `json:",omitempty"`
}

// StatusFunc reports the run currently on the stand.
type StatusFunc func() Status

// NewMonitor routes the read-only operator display: SSE events, status, the
// camera feed when there is one, and the static page.
func NewMonitor(broker *Broker, status StatusFunc, camera *Camera) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/events", broker.ServeHTTP)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(status())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
	if camera != nil {
		r.Get("/camera", camera.ServeHTTP)
	}

	if box, err := rice.FindBox("webroot"); err == nil {
		r.Handle("/*", http.FileServer(box.HTTPBox()))
	}
	return r
}
