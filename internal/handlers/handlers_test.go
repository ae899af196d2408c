package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/fabiohfernandes/Matchmaker/internal/clock"
	"github.com/fabiohfernandes/Matchmaker/internal/engine"
	"github.com/fabiohfernandes/Matchmaker/internal/events"
	"github.com/fabiohfernandes/Matchmaker/internal/health"
	"github.com/fabiohfernandes/Matchmaker/internal/protocol"
	"github.com/fabiohfernandes/Matchmaker/internal/session"
	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
)

type apiEnvelope struct {
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data"`
	Error     string                 `json:"error"`
	Timestamp int64                  `json:"timestamp"`
}

type handlerRig struct {
	router *gin.Engine
	eng    *engine.Engine
	store  *session.Store
}

func newHandlerRig(t *testing.T) *handlerRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewLoggerWithService("test")
	clk := clock.NewFake()
	bus := events.NewBus(logger)
	store := session.NewStore(logger, clk, bus)
	eng := engine.New(logger, clk, bus, store, engine.Options{})
	sup := health.NewSupervisor(logger, bus)

	h := New(logger, eng, store, sup)
	router := gin.New()
	router.GET("/health", h.HandleHealth)
	router.GET("/signallingserver", h.HandleSignallingServer)
	router.POST("/queue/join", h.HandleQueueJoin)
	router.GET("/queue/position/:sessionId", h.HandleQueuePosition)
	router.GET("/stats", h.HandleStats)

	return &handlerRig{router: router, eng: eng, store: store}
}

func (r *handlerRig) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, apiEnvelope) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)

	var env apiEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("bad envelope %q: %v", w.Body.String(), err)
	}
	if env.Timestamp == 0 {
		t.Fatal("envelope must carry a timestamp")
	}
	return w, env
}

func registerReadyNode(rig *handlerRig) string {
	return rig.eng.RegisterNode(protocol.Message{
		Type: protocol.TypeConnect, Address: "10.0.0.1", Port: 8080, Ready: true,
	})
}

func TestHealthEndpoint(t *testing.T) {
	rig := newHandlerRig(t)
	w, env := rig.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("unexpected health response: %d %+v", w.Code, env)
	}
	if env.Data["status"] != "healthy" {
		t.Fatalf("expected healthy, got %v", env.Data["status"])
	}
	if env.Data["stats"] == nil {
		t.Fatal("expected stats in health payload")
	}
}

func TestSignallingServer(t *testing.T) {
	rig := newHandlerRig(t)

	t.Run("no nodes", func(t *testing.T) {
		w, env := rig.do(t, http.MethodGet, "/signallingserver", "")
		if w.Code != http.StatusNotFound || env.Success {
			t.Fatalf("expected 404 falsy envelope, got %d %+v", w.Code, env)
		}
		if env.Error == "" {
			t.Fatal("expected error message")
		}
	})

	t.Run("ready node", func(t *testing.T) {
		nodeID := registerReadyNode(rig)
		w, env := rig.do(t, http.MethodGet, "/signallingserver", "")
		if w.Code != http.StatusOK || !env.Success {
			t.Fatalf("expected success, got %d %+v", w.Code, env)
		}
		if env.Data["signallingServer"] != "10.0.0.1:8080" {
			t.Fatalf("unexpected endpoint %v", env.Data["signallingServer"])
		}
		if env.Data["protocol"] != "ws" {
			t.Fatalf("unexpected protocol %v", env.Data["protocol"])
		}
		if env.Data["serverId"] != nodeID {
			t.Fatalf("unexpected serverId %v", env.Data["serverId"])
		}
	})

	t.Run("cooldown exhausts the node", func(t *testing.T) {
		w, env := rig.do(t, http.MethodGet, "/signallingserver", "")
		if w.Code != http.StatusNotFound || env.Success {
			t.Fatalf("expected 404 during cooldown, got %d %+v", w.Code, env)
		}
	})
}

func TestQueueJoinAndPosition(t *testing.T) {
	rig := newHandlerRig(t)

	w, env := rig.do(t, http.MethodPost, "/queue/join", `{"clientId":"c1","priority":0}`)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("join failed: %d %+v", w.Code, env)
	}
	sessionID, _ := env.Data["sessionId"].(string)
	if sessionID == "" {
		t.Fatal("expected sessionId")
	}
	if env.Data["queuePosition"].(float64) != 1 {
		t.Fatalf("expected queue position 1, got %v", env.Data["queuePosition"])
	}

	w, env = rig.do(t, http.MethodGet, "/queue/position/"+sessionID, "")
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("position failed: %d %+v", w.Code, env)
	}
	if env.Data["position"].(float64) != 1 || env.Data["totalInQueue"].(float64) != 1 {
		t.Fatalf("unexpected position payload: %+v", env.Data)
	}
	if env.Data["etaMs"].(float64) != float64(engine.DefaultAverageHold.Milliseconds()) {
		t.Fatalf("unexpected eta: %v", env.Data["etaMs"])
	}
}

func TestQueueJoinDrainsWhenNodeAvailable(t *testing.T) {
	rig := newHandlerRig(t)
	registerReadyNode(rig)

	_, env := rig.do(t, http.MethodPost, "/queue/join", `{"clientId":"c1"}`)
	sessionID := env.Data["sessionId"].(string)
	if env.Data["queuePosition"].(float64) != 0 {
		t.Fatalf("expected immediate assignment (position 0), got %v", env.Data["queuePosition"])
	}

	sess, _ := rig.store.Get(sessionID)
	if sess.Status != session.StatusConnected {
		t.Fatalf("expected Connected, got %s", sess.Status)
	}
}

func TestQueuePositionUnknownSession(t *testing.T) {
	rig := newHandlerRig(t)
	w, env := rig.do(t, http.MethodGet, "/queue/position/missing", "")
	if w.Code != http.StatusNotFound || env.Success {
		t.Fatalf("expected 404, got %d %+v", w.Code, env)
	}
}

func TestQueueJoinRejectsBadBody(t *testing.T) {
	rig := newHandlerRig(t)
	w, env := rig.do(t, http.MethodPost, "/queue/join", `{"priority":"high"}`)
	if w.Code != http.StatusBadRequest || env.Success {
		t.Fatalf("expected 400, got %d %+v", w.Code, env)
	}
}

func TestStatsIncludesNodes(t *testing.T) {
	rig := newHandlerRig(t)
	registerReadyNode(rig)
	rig.eng.Enqueue("c1", 0)

	w, env := rig.do(t, http.MethodGet, "/stats", "")
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("stats failed: %d %+v", w.Code, env)
	}
	nodes, ok := env.Data["nodes"].([]interface{})
	if !ok || len(nodes) != 1 {
		t.Fatalf("expected one node in stats, got %v", env.Data["nodes"])
	}
}
