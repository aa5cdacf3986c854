package pi_short_circuit

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMonitorStatus(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	status := func() Status {
		return Status{Run: "bench", Phase: PhaseShortWait, Samples: 1850, Decision: &Decision{Fired: true}}
	}
	srv := httptest.NewServer(NewMonitor(broker, status, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got struct {
		Run      string
		Phase    string
		Samples  int
		Decision *Decision
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Run != "bench" || got.Phase != "SHORT_WAIT" || got.Samples != 1850 || got.Decision == nil || !got.Decision.Fired {
		t.Errorf("status = %+v", got)
	}

	resp, err = http.Get(srv.URL + "/camera")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("camera without a camera = %d", resp.StatusCode)
	}
}

func TestMonitorStatusUnencodable(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// A NaN average current has no JSON form.
	status := func() Status {
		return Status{Run: "bench", Phase: PhaseTriggerEvaluate, Decision: &Decision{AverageCurrent: math.NaN()}}
	}
	srv := httptest.NewServer(NewMonitor(broker, status, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		t.Errorf("error response served as %q", ct)
	}
}

func TestMonitorEvents(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	emitter := NewEmitter()
	emitter.AddListener(broker.Outgoing)

	srv := httptest.NewServer(NewMonitor(broker, func() Status { return Status{} }, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// The client registers before headers are flushed, so this is delivered.
	emitter.Emit("Phase", PhaseEvent{Run: "bench", Phase: PhaseDone})

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != "event: Phase" {
		t.Errorf("first line = %q", line)
	}
	line, _ = r.ReadString('\n')
	if !strings.Contains(line, `"Phase":"DONE"`) {
		t.Errorf("data = %q", line)
	}
}
