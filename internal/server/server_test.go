package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hmelgaard/oceandash/internal/aanderaa"
	"github.com/hmelgaard/oceandash/internal/engine"
	"github.com/hmelgaard/oceandash/internal/recorder"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine, *engine.BaselineStore) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	store := engine.OpenBaselineStore(filepath.Join(dir, "app_state.json"))
	eng := engine.New(store, cfg.BaroKPa)
	rec := recorder.New(recorder.Config{Path: dir})
	t.Cleanup(rec.Close)

	s := aanderaa.NewSensor(aanderaa.Config{ComPort: "/dev/ttyUSB2"})
	s.DecodeFrame(aanderaa.Frame{"4117B", "4112", "102.953", "22.014"})

	return New(cfg, []*aanderaa.Sensor{s}, eng, store, rec), eng, store
}

func pressureEvent() *aanderaa.Event {
	m := aanderaa.NewMeasurements()
	m.Set("ProductNumber", "4117B")
	m.Set("SerialNumber", "4112")
	m.Set("Pressure", "102.953")
	m.Set("Temperature", "22.014")
	return &aanderaa.Event{
		Timestamp:    time.Now(),
		ComPort:      "/dev/ttyUSB2",
		Name:         "Sensor 4117B SN 4112",
		Type:         aanderaa.TypePressure,
		Measurements: m,
		RawLine:      "4117B\t4112\t102.953\t22.014",
	}
}

func TestHandleSensors(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	eng.Process(pressureEvent())

	rr := httptest.NewRecorder()
	srv.handleSensors(rr, httptest.NewRequest(http.MethodGet, "/api/sensors", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var reply StatusReply
	if err := json.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Sensors) != 1 {
		t.Fatalf("got %d sensors", len(reply.Sensors))
	}
	st := reply.Sensors[0]
	if st.ComPort != "/dev/ttyUSB2" || st.SensorType != "pressure" || st.ProductNumber != "4117B" {
		t.Errorf("sensor = %+v", st)
	}
	if st.LastFrameAt == "" {
		t.Error("LastFrameAt missing after a decoded frame")
	}
	if reply.LatestPressure == nil || *reply.LatestPressure != 102.953 {
		t.Errorf("LatestPressure = %v", reply.LatestPressure)
	}
}

func TestHandleSensorsMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.handleSensors(rr, httptest.NewRequest(http.MethodPost, "/api/sensors", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestHandleConfigRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.handleConfig(rr, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"listenAddr":":8080"`) {
		t.Errorf("config body = %s", rr.Body.String())
	}

	patch := strings.NewReader(`{"baro":{"enabled":true,"kPa":99.5}}`)
	rr = httptest.NewRecorder()
	srv.handleConfig(rr, httptest.NewRequest(http.MethodPost, "/api/config", patch))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST status = %d: %s", rr.Code, rr.Body.String())
	}
	if kpa, ok := srv.cfg.BaroKPa(); !ok || kpa != 99.5 {
		t.Errorf("BaroKPa = %v, %v after update", kpa, ok)
	}
}

func TestHandleBaselineWorkflow(t *testing.T) {
	srv, eng, store := newTestServer(t)

	// No pressure observed yet: storing a baseline must be refused.
	rr := httptest.NewRecorder()
	srv.handleBaseline(rr, httptest.NewRequest(http.MethodPost, "/api/baseline", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}

	eng.Process(pressureEvent())

	rr = httptest.NewRecorder()
	srv.handleBaseline(rr, httptest.NewRequest(http.MethodPost, "/api/baseline", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if kpa, ok := store.Get("4117B_SN_4112"); !ok || kpa != 102.953 {
		t.Errorf("stored baseline = %v, %v", kpa, ok)
	}

	rr = httptest.NewRecorder()
	srv.handleBaseline(rr, httptest.NewRequest(http.MethodDelete, "/api/baseline", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d", rr.Code)
	}
	if store.Len() != 0 {
		t.Errorf("baselines remain after delete: %d", store.Len())
	}
}

func TestHandleRecordingToggle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := strings.NewReader(`{"enabled":true}`)
	rr := httptest.NewRecorder()
	srv.handleRecording(rr, httptest.NewRequest(http.MethodPost, "/api/recording", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !srv.rec.IsEnabled() {
		t.Error("recorder not enabled")
	}

	body = strings.NewReader(`{"enabled":false}`)
	rr = httptest.NewRecorder()
	srv.handleRecording(rr, httptest.NewRequest(http.MethodPost, "/api/recording", body))
	if srv.rec.IsEnabled() {
		t.Error("recorder not disabled")
	}
}

func TestRunReturnsErrorOnBadListenAddr(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.cfg.Server.ListenAddr = "256.256.256.256:0"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Run returned nil for an unusable listen address")
		}
	case <-ctx.Done():
		t.Fatal("Run did not return promptly on listen failure")
	}
}

func TestBroadcastReachesWebSocketClient(t *testing.T) {
	srv, _, _ := newTestServer(t)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Registration happens in the upgrade handler; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.clientsMu.RLock()
		n := len(srv.clients)
		srv.clientsMu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.Broadcast(pressureEvent())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(msg, &decoded); err != nil {
		t.Fatalf("broadcast not JSON: %v", err)
	}
	if _, ok := decoded["measurements"]; !ok {
		t.Errorf("broadcast missing measurements: %s", msg)
	}
}
