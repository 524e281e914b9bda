package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"lineserver/registers"
)

func validConfigFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "factory.json")
	body := `{"factory":{"name":"n","simSpeed":1,"pollRateMs":100,"machines":[],"conveyors":[]}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestToggleSimStopToRunning(t *testing.T) {
	Convey("toggleSim transitions STOP -> RUNNING when config is valid", t, func() {
		regs := registers.New()
		regs.SetConfigName(validConfigFile(t))
		s := NewServer(":0", regs)

		req := httptest.NewRequest(http.MethodPost, "/toggleSim", nil)
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)

		var resp map[string]string
		So(json.NewDecoder(w.Body).Decode(&resp), ShouldBeNil)
		So(resp["message"], ShouldEqual, "success")
		So(regs.State(), ShouldEqual, registers.StateRunning)
	})

	Convey("toggleSim does not transition when the configured file is missing", t, func() {
		regs := registers.New()
		regs.SetConfigName(filepath.Join(t.TempDir(), "nope.json"))
		s := NewServer(":0", regs)

		req := httptest.NewRequest(http.MethodPost, "/toggleSim", nil)
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)

		var resp map[string]string
		So(json.NewDecoder(w.Body).Decode(&resp), ShouldBeNil)
		So(resp["message"], ShouldNotEqual, "success")
		So(regs.State(), ShouldEqual, registers.StateStop)
	})

	Convey("toggleSim does not transition when the timer limit is negative", t, func() {
		regs := registers.New()
		regs.SetConfigName(validConfigFile(t))
		regs.SetTimerLimitUs(-1)
		s := NewServer(":0", regs)

		req := httptest.NewRequest(http.MethodPost, "/toggleSim", nil)
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)

		So(regs.State(), ShouldEqual, registers.StateStop)
	})
}

func TestSuspendSim(t *testing.T) {
	Convey("suspendSim toggles RUNNING and PAUSED", t, func() {
		regs := registers.New()
		regs.StartRunning()
		s := NewServer(":0", regs)

		req := httptest.NewRequest(http.MethodPost, "/suspendSim", nil)
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)
		So(regs.State(), ShouldEqual, registers.StatePaused)

		req = httptest.NewRequest(http.MethodPost, "/suspendSim", nil)
		w = httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)
		So(regs.State(), ShouldEqual, registers.StateRunning)
	})

	Convey("suspendSim is a no-op from STOP", t, func() {
		regs := registers.New()
		s := NewServer(":0", regs)
		req := httptest.NewRequest(http.MethodPost, "/suspendSim", nil)
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)
		So(regs.State(), ShouldEqual, registers.StateStop)
	})
}

func TestExitSim(t *testing.T) {
	Convey("exitSim sets EXIT from any state", t, func() {
		regs := registers.New()
		s := NewServer(":0", regs)
		req := httptest.NewRequest(http.MethodPost, "/exitSim", nil)
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)
		So(regs.State(), ShouldEqual, registers.StateExit)
	})
}

func TestSetConfigAndSetTimer(t *testing.T) {
	Convey("setConfig updates the config name", t, func() {
		regs := registers.New()
		s := NewServer(":0", regs)
		req := httptest.NewRequest(http.MethodPost, "/setConfig?config=other.json", nil)
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)
		So(regs.ConfigName(), ShouldEqual, "other.json")
	})

	Convey("setTimer converts minutes to microseconds", t, func() {
		regs := registers.New()
		s := NewServer(":0", regs)
		req := httptest.NewRequest(http.MethodPost, "/setTimer?timer=2", nil)
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)
		So(regs.TimerLimitUs(), ShouldEqual, int64(2*60*1e6))
	})
}

func TestReadEndpoints(t *testing.T) {
	Convey("simState, getTime, getTimeLimit report register contents", t, func() {
		regs := registers.New()
		regs.StartRunning()
		regs.AddClocks(42, true)
		regs.SetTimerLimitUs(100)
		s := NewServer(":0", regs)

		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/simState", nil))
		var state map[string]string
		So(json.NewDecoder(w.Body).Decode(&state), ShouldBeNil)
		So(state["state"], ShouldEqual, "running")

		w = httptest.NewRecorder()
		s.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/getTime", nil))
		var times map[string]int64
		So(json.NewDecoder(w.Body).Decode(&times), ShouldBeNil)
		So(times["activeTime"], ShouldEqual, 42)

		w = httptest.NewRecorder()
		s.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/getTimeLimit", nil))
		var limit map[string]int64
		So(json.NewDecoder(w.Body).Decode(&limit), ShouldBeNil)
		So(limit["time"], ShouldEqual, 58)
	})
}
