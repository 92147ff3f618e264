package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hmelgaard/oceandash/internal/aanderaa"
	"github.com/hmelgaard/oceandash/internal/engine"
	"github.com/hmelgaard/oceandash/internal/recorder"
)

// Server is the HTTP/WebSocket façade external display clients consume: it
// broadcasts every enriched measurement event over /ws and exposes sensor
// status, config and the operator baseline workflow over a small API.
type Server struct {
	cfg       *Config
	sensors   []*aanderaa.Sensor
	eng       *engine.Engine
	baselines *engine.BaselineStore
	rec       *recorder.Recorder

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// SensorStatus is the per-channel entry served by /api/sensors.
type SensorStatus struct {
	ComPort       string `json:"comPort"`
	Name          string `json:"name"`
	SensorType    string `json:"sensorType"`
	ProductNumber string `json:"productNumber"`
	SerialNumber  string `json:"serialNumber"`
	Mode          string `json:"mode"`
	Connected     bool   `json:"connected"`
	LastFrameAt   string `json:"lastFrameAt,omitempty"`
}

// StatusReply is the /api/sensors payload.
type StatusReply struct {
	Sensors          []SensorStatus     `json:"sensors"`
	LatestSalinity   *float64           `json:"latestSalinityPSU,omitempty"`
	LatestPressure   *float64           `json:"latestPressureKPa,omitempty"`
	Baselines        map[string]float64 `json:"baselines"`
	RecordingEnabled bool               `json:"recordingEnabled"`
	RecordingPath    string             `json:"recordingPath,omitempty"`
}

// New creates a Server.
func New(cfg *Config, sensors []*aanderaa.Sensor, eng *engine.Engine, baselines *engine.BaselineStore, rec *recorder.Recorder) *Server {
	return &Server{
		cfg:       cfg,
		sensors:   sensors,
		eng:       eng,
		baselines: baselines,
		rec:       rec,
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sensors", s.handleSensors)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/baseline", s.handleBaseline)
	mux.HandleFunc("/api/recording", s.handleRecording)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Broadcast sends one enriched event to every connected client. Slow clients
// are skipped rather than allowed to stall the drain.
func (s *Server) Broadcast(ev *aanderaa.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; incoming messages are ignored)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			remaining := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}

	reply := StatusReply{
		Baselines:        s.baselines.All(),
		RecordingEnabled: s.rec.IsEnabled(),
		RecordingPath:    s.rec.Path(),
	}
	for _, sn := range s.sensors {
		st := SensorStatus{
			ComPort:       sn.ComPort(),
			Name:          sn.Name(),
			SensorType:    sn.Type().String(),
			ProductNumber: sn.ProductNumber(),
			SerialNumber:  sn.SerialNumber(),
			Mode:          sn.Mode().String(),
			Connected:     sn.IsConnected(),
		}
		if _, at := sn.LastMeasurement(); !at.IsZero() {
			st.LastFrameAt = at.Format(time.RFC3339)
		}
		reply.Sensors = append(reply.Sensors, st)
	}
	if sal, _, ok := s.eng.LatestSalinity(); ok {
		reply.LatestSalinity = &sal
	}
	if p, _, ok := s.eng.LatestPressure(); ok {
		reply.LatestPressure = &p
	}

	writeJSON(w, reply)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleBaseline implements the operator baseline workflow. POST stores the
// latest observed absolute pressure of every identified pressure sensor as
// its air baseline; the operator confirms out of band that the sensors are
// in air and stable before calling this. DELETE clears all baselines. The
// derived-quantity engine itself never sets a baseline.
func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		latest := s.eng.LatestPressureByIdentity()
		if len(latest) == 0 {
			http.Error(w, "no pressure readings observed yet", 409)
			return
		}
		stored := make(map[string]float64, len(latest))
		for id, kpa := range latest {
			if err := s.baselines.Set(id, kpa); err != nil {
				log.Printf("[baseline] %s: %v", id, err)
				continue
			}
			stored[id] = kpa
			log.Printf("[baseline] stored %s = %.3f kPa", id, kpa)
		}
		writeJSON(w, map[string]interface{}{"status": "ok", "stored": stored})

	case http.MethodDelete:
		if err := s.baselines.Clear(); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		log.Printf("[baseline] cleared")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	s.rec.SetEnabled(req.Enabled)
	log.Printf("[recorder] enabled=%v", req.Enabled)
	writeJSON(w, map[string]interface{}{"status": "ok", "enabled": req.Enabled, "path": s.rec.Path()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
