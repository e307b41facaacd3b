package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/accounting"
	"github.com/charging-platform/ev-charger-proxy/internal/broker"
	"github.com/charging-platform/ev-charger-proxy/internal/chargepoint"
	"github.com/charging-platform/ev-charger-proxy/internal/config"
	"github.com/charging-platform/ev-charger-proxy/internal/control"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/ocpp16"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryLog 测试用内存会话日志
type memoryLog struct {
	mu      sync.Mutex
	records []accounting.SessionRecord
}

func (m *memoryLog) Append(_ context.Context, backendID string, durationS, energyKWh, revenue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, accounting.SessionRecord{
		Timestamp: time.Now().UTC(),
		BackendID: backendID,
		DurationS: durationS,
		EnergyKWh: energyKWh,
		Revenue:   revenue,
	})
	return nil
}

func (m *memoryLog) ListAll(_ context.Context) ([]accounting.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]accounting.SessionRecord(nil), m.records...), nil
}

type testEnv struct {
	srv  *httptest.Server
	lock *control.Manager
	log  *memoryLog
}

func newTestEnv(t *testing.T, policy control.Params) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host: "127.0.0.1", Port: 9000,
			AdminRateLimit: 1000, AdminRateBurst: 1000,
		},
	}

	lock := control.NewManager(policy, nil, nil)
	t.Cleanup(lock.Close)

	subscribers := broker.NewRegistry(lock, nil)
	events := broker.NewRouter(subscribers, lock, nil)
	chargers := chargepoint.NewRegistry()
	log := &memoryLog{}
	acct := accounting.NewAccountant(log, lock.Holder, nil)

	server := NewServer(cfg, lock, subscribers, events, chargers, acct, log, nil, nil, nil)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, lock: lock, log: log}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

// dialWS 建立WebSocket客户端连接
func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readJSON 读取一条JSON消息
func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

// fakeCharger 模拟充电桩：响应所有远程命令
func fakeCharger(t *testing.T, env *testEnv, status ocpp16.RemoteStartStopStatus) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, env.wsURL("/charger"))
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := ocpp16.ParseFrame(data)
			if err != nil || frame.MessageType != ocpp16.Call {
				continue
			}
			resp, _ := ocpp16.MarshalCallResult(frame.MessageID, ocpp16.RemoteStartTransactionResponse{Status: status})
			conn.WriteMessage(websocket.TextMessage, resp)
		}
	}()
	return conn
}

func TestWelcomePage(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})

	resp, err := http.Get(env.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "EV Charger Proxy")
	assert.Contains(t, buf.String(), "/backend?id=your_backend_id")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, control.Params{})

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionsJSONEmpty(t *testing.T) {
	env := newTestEnv(t, control.Params{})

	resp, err := http.Get(env.srv.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var records []accounting.SessionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	assert.Empty(t, records)
}

func TestSessionsJSONReturnsRecords(t *testing.T) {
	env := newTestEnv(t, control.Params{})
	require.NoError(t, env.log.Append(context.Background(), "provider_a", 3600, 5.0, 0))

	resp, err := http.Get(env.srv.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var records []accounting.SessionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "provider_a", records[0].BackendID)
	assert.Equal(t, 5.0, records[0].EnergyKWh)
}

func TestSessionsCSV(t *testing.T) {
	env := newTestEnv(t, control.Params{})
	require.NoError(t, env.log.Append(context.Background(), "provider_a", 3600, 5.0, 0))

	resp, err := http.Get(env.srv.URL + "/sessions.csv")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "timestamp,backend_id,duration_s,energy_kwh,revenue", lines[0])
	assert.Contains(t, lines[1], "provider_a")
}

func TestStatusReportsOwnerAndBackends(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})

	dialWS(t, env.wsURL("/backend?id=provider_a"))
	require.True(t, env.lock.RequestControl(context.Background(), "provider_a"))

	assert.Eventually(t, func() bool {
		resp, err := http.Get(env.srv.URL + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return len(status.WebsocketBackends) == 1 &&
			status.WebsocketBackends[0] == "provider_a" &&
			status.LockOwner == "provider_a"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOverrideGrantsControl(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})
	require.True(t, env.lock.RequestControl(context.Background(), "provider_a"))

	body := bytes.NewBufferString(`{"backend_id": "provider_b"}`)
	resp, err := http.Post(env.srv.URL+"/override", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	var result overrideResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, "provider_b", result.Owner)
	assert.Equal(t, "provider_b", env.lock.Holder())
}

func TestOverrideDeniedByPolicy(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: false})

	body := bytes.NewBufferString(`{"backend_id": "provider_b"}`)
	resp, err := http.Post(env.srv.URL+"/override", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	var result overrideResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.Success)
	assert.Equal(t, "", result.Owner)
}

func TestOverrideRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})

	resp, err := http.Post(env.srv.URL+"/override", "application/json", bytes.NewBufferString("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBackendUnknownActionRejected(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})

	conn := dialWS(t, env.wsURL("/backend?id=provider_a"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action": "Reboot"}`)))

	decoded := readJSON(t, conn)
	assert.Equal(t, "unknown_action", decoded["error"])
}

func TestBackendRemoteStartWithoutChargerRejected(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})

	conn := dialWS(t, env.wsURL("/backend?id=provider_a"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "RemoteStartTransaction", "id_tag": "TAG001"}`)))

	decoded := readJSON(t, conn)
	assert.Equal(t, "unknown_action", decoded["error"])
}

func TestBackendRemoteStartRoundTrip(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})
	fakeCharger(t, env, ocpp16.RemoteStartStopStatusAccepted)

	conn := dialWS(t, env.wsURL("/backend?id=provider_a"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "RemoteStartTransaction", "connector_id": 1, "id_tag": "TAG001"}`)))

	decoded := readJSON(t, conn)
	assert.Equal(t, "RemoteStartTransaction", decoded["action"])
	assert.Equal(t, true, decoded["result"])
	assert.Equal(t, "provider_a", env.lock.Holder())
}

func TestBackendRemoteStartDeniedWhileLocked(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})
	fakeCharger(t, env, ocpp16.RemoteStartStopStatusAccepted)

	require.True(t, env.lock.RequestControl(context.Background(), "provider_a"))

	conn := dialWS(t, env.wsURL("/backend?id=provider_b"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "RemoteStartTransaction", "id_tag": "TAG002"}`)))

	decoded := readJSON(t, conn)
	// 拒绝原因不区分
	assert.Equal(t, "control_locked", decoded["error"])
	assert.Equal(t, "provider_a", env.lock.Holder())
}

func TestBackendRemoteStopSkipsControlCheck(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})
	fakeCharger(t, env, ocpp16.RemoteStartStopStatusAccepted)

	require.True(t, env.lock.RequestControl(context.Background(), "provider_a"))

	conn := dialWS(t, env.wsURL("/backend?id=provider_b"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "RemoteStopTransaction", "transaction_id": 5}`)))

	decoded := readJSON(t, conn)
	assert.Equal(t, "RemoteStopTransaction", decoded["action"])
	assert.Equal(t, true, decoded["result"])
}

func TestBackendDisconnectReleasesHeldLock(t *testing.T) {
	env := newTestEnv(t, control.Params{AllowSharedCharging: true})

	conn := dialWS(t, env.wsURL("/backend?id=provider_a"))
	require.True(t, env.lock.RequestControl(context.Background(), "provider_a"))

	conn.Close()

	assert.Eventually(t, func() bool {
		return env.lock.Holder() == ""
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAdminRateLimitEnforced(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Host: "127.0.0.1", Port: 9000,
			AdminRateLimit: 1, AdminRateBurst: 1,
		},
	}

	lock := control.NewManager(control.Params{}, nil, nil)
	t.Cleanup(lock.Close)
	subscribers := broker.NewRegistry(lock, nil)
	events := broker.NewRouter(subscribers, lock, nil)
	log := &memoryLog{}
	acct := accounting.NewAccountant(log, lock.Holder, nil)

	server := NewServer(cfg, lock, subscribers, events, chargepoint.NewRegistry(), acct, log, nil, nil, nil)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)

	first, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	// 非管理接口不受限
	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
