// Package httpapi is the local HTTP control plane: it reads and writes
// ControlRegisters and validates configuration before transitioning
// STOP -> RUNNING. It also pushes a live snapshot feed over a
// websocket with a ping/pong keepalive loop.
package httpapi

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"github.com/rs/zerolog/log"

	"lineserver/config"
	"lineserver/opcspace"
	"lineserver/registers"
)

const (
	writeWait        = 1 * time.Second
	pongWait         = 60 * time.Second
	pingResolution   = pongWait / 6
	closeGracePeriod = 10 * time.Second
)

var upgrader = websocket.Upgrader{}

//go:embed assets/eosys.png
var assets embed.FS

// Server is the HTTP control plane's wire contract, plus a /ws
// live-feed enrichment.
type Server struct {
	addr string
	regs *registers.ControlRegisters
	mux  *mux.Router

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []opcspace.MachineSnapshot
}

// NewServer constructs a Server bound to addr, reading and writing regs.
func NewServer(addr string, regs *registers.ControlRegisters) *Server {
	s := &Server{
		addr:    addr,
		regs:    regs,
		mux:     mux.NewRouter(),
		clients: map[*websocket.Conn]chan []opcspace.MachineSnapshot{},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.serveIndex).Methods(http.MethodGet)
	s.mux.HandleFunc("/eosys.png", s.serveAsset).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws", s.serveWebsocket).Methods(http.MethodGet)
	s.mux.HandleFunc("/toggleSim", s.handleToggleSim).Methods(http.MethodPost)
	s.mux.HandleFunc("/suspendSim", s.handleSuspendSim).Methods(http.MethodPost)
	s.mux.HandleFunc("/exitSim", s.handleExitSim).Methods(http.MethodPost)
	s.mux.HandleFunc("/setConfig", s.handleSetConfig).Methods(http.MethodPost)
	s.mux.HandleFunc("/setTimer", s.handleSetTimer).Methods(http.MethodPost)
	s.mux.HandleFunc("/simState", s.handleSimState).Methods(http.MethodGet)
	s.mux.HandleFunc("/getTime", s.handleGetTime).Methods(http.MethodGet)
	s.mux.HandleFunc("/getTimeLimit", s.handleGetTimeLimit).Methods(http.MethodGet)
}

// Serve blocks serving the control plane on s.addr.
func (s *Server) Serve() error {
	if err := http.ListenAndServe(s.addr, s.mux); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Publish implements simline.Publisher: it fans a poll's snapshots out
// to every connected websocket client, dropping the update for any
// client whose send buffer is full rather than blocking the driver.
func (s *Server) Publish(snapshots []opcspace.MachineSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.clients {
		select {
		case ch <- snapshots:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleToggleSim performs validation-before-transition: from STOP,
// the configured file must exist, parse, and pass a structural check,
// and the timer must be non-negative, before the state becomes
// RUNNING. From RUNNING it always transitions back to STOP.
func (s *Server) handleToggleSim(w http.ResponseWriter, r *http.Request) {
	switch s.regs.State() {
	case registers.StateRunning:
		s.regs.SetState(registers.StateStop)
		writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
		return
	case registers.StateStop:
		if s.regs.TimerLimitUs() < 0 {
			writeJSON(w, http.StatusOK, map[string]string{"message": "invalid timer limit"})
			return
		}
		if _, err := config.Load(s.regs.ConfigName()); err != nil {
			writeJSON(w, http.StatusOK, map[string]string{"message": err.Error()})
			return
		}
		s.regs.StartRunning()
		writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
		return
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("cannot toggle from state %s", s.regs.State())})
	}
}

// handleSuspendSim toggles RUNNING<->PAUSED; EXIT/STOP are unchanged.
func (s *Server) handleSuspendSim(w http.ResponseWriter, r *http.Request) {
	switch s.regs.State() {
	case registers.StateRunning:
		s.regs.SetState(registers.StatePaused)
	case registers.StatePaused:
		s.regs.SetState(registers.StateRunning)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

// handleExitSim sets EXIT; terminal, may be issued from any state.
func (s *Server) handleExitSim(w http.ResponseWriter, r *http.Request) {
	s.regs.SetState(registers.StateExit)
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("config")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "config name required"})
		return
	}
	s.regs.SetConfigName(name)
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

// handleSetTimer sets timerLimitUs = minutes * 60 * 1e6. A negative
// value is accepted here and flagged at the next toggleSim.
func (s *Server) handleSetTimer(w http.ResponseWriter, r *http.Request) {
	minutesStr := r.URL.Query().Get("timer")
	minutes, err := strconv.ParseFloat(minutesStr, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "timer must be numeric minutes"})
		return
	}
	s.regs.SetTimerLimitUs(int64(minutes * 60 * 1e6))
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

func (s *Server) handleSimState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": s.regs.State().String()})
}

func (s *Server) handleGetTime(w http.ResponseWriter, r *http.Request) {
	active, runtime := s.regs.Clocks()
	writeJSON(w, http.StatusOK, map[string]int64{"activeTime": active, "runningTime": runtime})
}

func (s *Server) handleGetTimeLimit(w http.ResponseWriter, r *http.Request) {
	limit := s.regs.TimerLimitUs()
	active, _ := s.regs.Clocks()
	remaining := limit - active
	if limit <= 0 || remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, map[string]int64{"time": remaining})
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request) {
	data, err := assets.ReadFile("assets/eosys.png")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

// serveWebsocket upgrades the connection and publishes the live
// machine-snapshot feed: a ping/pong keepalive loop via
// channerics.NewTicker alongside a reader goroutine that drives the
// pong handler.
func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := make(chan []opcspace.MachineSnapshot, 4)
	s.mu.Lock()
	s.clients[ws] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, ws)
		s.mu.Unlock()
		s.closeWebsocket(ws)
	}()

	s.publishLoop(r.Context(), ws, ch)
}

func (s *Server) publishLoop(ctx context.Context, ws *websocket.Conn, updates <-chan []opcspace.MachineSnapshot) {
	pubCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pong := make(chan struct{})
	defer close(pong)
	ws.SetPongHandler(func(string) error {
		pong <- struct{}{}
		return nil
	})

	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	pinger := channerics.NewTicker(pubCtx.Done(), pingResolution)
	lastPong := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pubCtx.Done():
			return
		case <-pinger:
			if time.Since(lastPong) > pingResolution*2 {
				return
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-pong:
			lastPong = time.Now()
		case snapshots := <-updates:
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ws.WriteJSON(snapshots); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeWebsocket(ws *websocket.Conn) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	time.Sleep(closeGracePeriod)
	ws.Close()
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>line-server</title></head>
<body>
<h1>line-server control panel</h1>
<p>POST /toggleSim, /suspendSim, /exitSim, /setConfig, /setTimer</p>
<p>GET /simState, /getTime, /getTimeLimit</p>
<img src="/eosys.png" alt="line-server" />
</body>
</html>`
