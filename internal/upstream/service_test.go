package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/config"
	"github.com/charging-platform/ev-charger-proxy/internal/control"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/events"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/ocpp16"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway 测试用充电桩命令出口
type fakeGateway struct {
	mu      sync.Mutex
	startOK bool
	stopOK  bool
	starts  []string
	stops   []int
	online  bool
}

func (f *fakeGateway) RemoteStart(_ context.Context, _ int, idTag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, idTag)
	return f.startOK
}

func (f *fakeGateway) RemoteStop(_ context.Context, transactionID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, transactionID)
	return f.stopOK
}

func (f *fakeGateway) Connected() bool { return f.online }

func (f *fakeGateway) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeGateway) stopList() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.stops...)
}

// fakeOCPPService 模拟外部OCPP服务端
type fakeOCPPService struct {
	srv     *httptest.Server
	connCh  chan *websocket.Conn
	headers chan http.Header
}

func newFakeOCPPService(t *testing.T) *fakeOCPPService {
	t.Helper()

	f := &fakeOCPPService{
		connCh:  make(chan *websocket.Conn, 4),
		headers: make(chan http.Header, 4),
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{ocpp16.SubprotocolOCPP16}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.connCh <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOCPPService) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// accept 等待代理侧连接建立
func (f *fakeOCPPService) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.connCh:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not connect to service")
		return nil
	}
}

// call 以服务身份下发Call并读取响应
func (f *fakeOCPPService) call(t *testing.T, conn *websocket.Conn, action ocpp16.Action, payload interface{}) *ocpp16.Frame {
	t.Helper()

	data, err := ocpp16.MarshalCall("svc-msg-1", action, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, resp, err := conn.ReadMessage()
	require.NoError(t, err)

	frame, err := ocpp16.ParseFrame(resp)
	require.NoError(t, err)
	return frame
}

func newLock(t *testing.T) *control.Manager {
	t.Helper()
	m := control.NewManager(control.Params{AllowSharedCharging: true}, nil, nil)
	t.Cleanup(m.Close)
	return m
}

func startService(t *testing.T, cfg config.ServiceConfig, lock *control.Manager, gw *fakeGateway) *Service {
	t.Helper()
	svc := NewService(cfg, lock, gw, nil)
	svc.retryDelay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(svc.Stop)
	go svc.Run(ctx)
	return svc
}

func TestServiceConnectsWithTokenAuth(t *testing.T) {
	fake := newFakeOCPPService(t)
	svc := startService(t, config.ServiceConfig{
		ID: "evcc", URL: fake.url(), Enabled: true, AuthType: "token", Token: "secret",
	}, newLock(t), &fakeGateway{})

	fake.accept(t)
	header := <-fake.headers
	assert.Equal(t, "Bearer secret", header.Get("Authorization"))
	assert.Contains(t, header.Get("Sec-Websocket-Protocol"), ocpp16.SubprotocolOCPP16)

	assert.Eventually(t, func() bool {
		h := svc.Health()
		return h.Connected && h.Authenticated
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "1.6", svc.Health().Version)
}

func TestServiceConnectsWithBasicAuth(t *testing.T) {
	fake := newFakeOCPPService(t)
	startService(t, config.ServiceConfig{
		ID: "csms", URL: fake.url(), Enabled: true, AuthType: "basic", Username: "u", Password: "p",
	}, newLock(t), &fakeGateway{})

	fake.accept(t)
	header := <-fake.headers
	// base64("u:p")
	assert.Equal(t, "Basic dTpw", header.Get("Authorization"))
}

func TestRemoteStartGrantedWithServiceIdentity(t *testing.T) {
	fake := newFakeOCPPService(t)
	lock := newLock(t)
	gw := &fakeGateway{startOK: true}
	svc := startService(t, config.ServiceConfig{ID: "evcc", URL: fake.url(), Enabled: true}, lock, gw)

	conn := fake.accept(t)
	frame := fake.call(t, conn, ocpp16.ActionRemoteStartTransaction, ocpp16.RemoteStartTransactionRequest{IdTag: "TAG001"})

	require.Equal(t, ocpp16.CallResult, frame.MessageType)
	var resp ocpp16.RemoteStartTransactionResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	assert.Equal(t, ocpp16.RemoteStartStopStatusAccepted, resp.Status)

	// 控制权以服务代理身份持有
	assert.Equal(t, "ocpp_service_evcc", lock.Holder())
	assert.Equal(t, "ocpp_service_evcc", svc.ProxyIdentity())
	assert.Equal(t, 1, gw.startCount())
}

func TestRemoteStartDeniedWhenLockHeld(t *testing.T) {
	fake := newFakeOCPPService(t)
	lock := newLock(t)
	require.True(t, lock.RequestControl(context.Background(), "provider_a"))

	gw := &fakeGateway{startOK: true}
	startService(t, config.ServiceConfig{ID: "evcc", URL: fake.url(), Enabled: true}, lock, gw)

	conn := fake.accept(t)
	frame := fake.call(t, conn, ocpp16.ActionRemoteStartTransaction, ocpp16.RemoteStartTransactionRequest{IdTag: "TAG001"})

	var resp ocpp16.RemoteStartTransactionResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	assert.Equal(t, ocpp16.RemoteStartStopStatusRejected, resp.Status)

	// 命令未下发，持有者不变
	assert.Equal(t, 0, gw.startCount())
	assert.Equal(t, "provider_a", lock.Holder())
}

func TestRemoteStartChargerFailureReleasesLock(t *testing.T) {
	fake := newFakeOCPPService(t)
	lock := newLock(t)
	gw := &fakeGateway{startOK: false}
	startService(t, config.ServiceConfig{ID: "evcc", URL: fake.url(), Enabled: true}, lock, gw)

	conn := fake.accept(t)
	frame := fake.call(t, conn, ocpp16.ActionRemoteStartTransaction, ocpp16.RemoteStartTransactionRequest{IdTag: "TAG001"})

	var resp ocpp16.RemoteStartTransactionResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	assert.Equal(t, ocpp16.RemoteStartStopStatusRejected, resp.Status)
	assert.Equal(t, "", lock.Holder())
}

func TestRemoteStopSkipsControlCheck(t *testing.T) {
	fake := newFakeOCPPService(t)
	lock := newLock(t)
	require.True(t, lock.RequestControl(context.Background(), "provider_a"))

	gw := &fakeGateway{stopOK: true}
	startService(t, config.ServiceConfig{ID: "evcc", URL: fake.url(), Enabled: true}, lock, gw)

	conn := fake.accept(t)
	frame := fake.call(t, conn, ocpp16.ActionRemoteStopTransaction, ocpp16.RemoteStopTransactionRequest{TransactionId: 7})

	var resp ocpp16.RemoteStopTransactionResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	assert.Equal(t, ocpp16.RemoteStartStopStatusAccepted, resp.Status)
	assert.Equal(t, []int{7}, gw.stopList())
}

func TestUnsupportedActionReturnsCallError(t *testing.T) {
	fake := newFakeOCPPService(t)
	startService(t, config.ServiceConfig{ID: "evcc", URL: fake.url(), Enabled: true}, newLock(t), &fakeGateway{})

	conn := fake.accept(t)
	frame := fake.call(t, conn, ocpp16.Action("Reset"), map[string]string{"type": "Soft"})

	require.Equal(t, ocpp16.CallError, frame.MessageType)
	assert.Equal(t, "NotImplemented", frame.ErrorCode)
}

func TestForwardEventReachesService(t *testing.T) {
	fake := newFakeOCPPService(t)
	svc := startService(t, config.ServiceConfig{ID: "evcc", URL: fake.url(), Enabled: true}, newLock(t), &fakeGateway{})

	conn := fake.accept(t)
	assert.Eventually(t, func() bool { return svc.Health().Connected }, 2*time.Second, 10*time.Millisecond)

	svc.ForwardEvent(events.NewHeartbeatEvent("2024-01-01T10:00:00Z"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "heartbeat", decoded["type"])
}

func TestServiceReconnectsAfterDisconnect(t *testing.T) {
	fake := newFakeOCPPService(t)
	svc := startService(t, config.ServiceConfig{ID: "evcc", URL: fake.url(), Enabled: true}, newLock(t), &fakeGateway{})

	first := fake.accept(t)
	assert.Eventually(t, func() bool { return svc.Health().Connected }, 2*time.Second, 10*time.Millisecond)

	first.Close()
	assert.Eventually(t, func() bool { return !svc.Health().Connected }, 2*time.Second, 10*time.Millisecond)
	// 重连间隔后代理重新拨号
	fake.accept(t)
}

func TestManagerSkipsDisabledServices(t *testing.T) {
	m := NewManager([]config.ServiceConfig{
		{ID: "enabled", URL: "ws://localhost:1", Enabled: true},
		{ID: "disabled", URL: "ws://localhost:2", Enabled: false},
	}, newLock(t), &fakeGateway{}, nil)

	health := m.HealthAll()
	require.Len(t, health, 1)
	_, ok := health["enabled"]
	assert.True(t, ok)
}

func TestManagerHealthAggregation(t *testing.T) {
	fake := newFakeOCPPService(t)
	m := NewManager([]config.ServiceConfig{
		{ID: "evcc", URL: fake.url(), Enabled: true, Version: "1.6"},
	}, newLock(t), &fakeGateway{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(m.StopAll)
	m.StartAll(ctx)

	fake.accept(t)
	assert.Eventually(t, func() bool {
		return m.HealthAll()["evcc"].Connected
	}, 2*time.Second, 10*time.Millisecond)
}
