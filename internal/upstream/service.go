package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/chargepoint"
	"github.com/charging-platform/ev-charger-proxy/internal/config"
	"github.com/charging-platform/ev-charger-proxy/internal/control"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/events"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/ocpp16"
	"github.com/charging-platform/ev-charger-proxy/internal/logger"
	"github.com/charging-platform/ev-charger-proxy/internal/metrics"
	"github.com/gorilla/websocket"
)

// reconnectDelay 重连间隔
const reconnectDelay = 5 * time.Second

// dialTimeout 建立连接超时
const dialTimeout = 10 * time.Second

// Health 外部OCPP服务连接健康状态
type Health struct {
	Connected     bool   `json:"connected"`
	Authenticated bool   `json:"authenticated"`
	Version       string `json:"version"`
}

// Service 单个外部OCPP服务的出站连接
// 维持到服务的WebSocket长连接，转发充电桩事件，
// 并以 ocpp_service_<id> 的代理身份受理服务下发的远程启停命令。
type Service struct {
	cfg      config.ServiceConfig
	lock     *control.Manager
	commands chargepoint.CommandGateway
	logger   *logger.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	authenticated bool

	retryDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewService 创建外部OCPP服务连接
func NewService(cfg config.ServiceConfig, lock *control.Manager, commands chargepoint.CommandGateway, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "1.6"
	}
	return &Service{
		cfg:        cfg,
		lock:       lock,
		commands:   commands,
		logger:     log,
		retryDelay: reconnectDelay,
		done:       make(chan struct{}),
	}
}

// ID 服务标识
func (s *Service) ID() string {
	return s.cfg.ID
}

// ProxyIdentity 该服务在控制权仲裁中使用的请求者身份
func (s *Service) ProxyIdentity() string {
	return control.ServicePrefix + s.cfg.ID
}

// Run 维持到服务的连接直到Stop被调用
// 连接断开后按固定间隔重连。
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			s.logger.Warnf("Failed to connect to OCPP service %s: %v", s.cfg.ID, err)
		} else {
			s.readLoop(ctx)
		}

		s.setDisconnected()

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}

// connect 建立并认证WebSocket连接
func (s *Service) connect(ctx context.Context) error {
	header := http.Header{}
	switch s.cfg.AuthType {
	case "basic":
		credentials := base64.StdEncoding.EncodeToString([]byte(s.cfg.Username + ":" + s.cfg.Password))
		header.Set("Authorization", "Basic "+credentials)
	case "token":
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		Subprotocols:     []string{ocpp16.SubprotocolOCPP16},
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	// 握手阶段带上凭据即视为已认证，服务端拒绝会直接关闭连接
	s.authenticated = s.cfg.AuthType != ""
	s.mu.Unlock()

	metrics.UpstreamConnected.Inc()
	s.logger.Infof("Connected to OCPP service %s", s.cfg.ID)
	return nil
}

// readLoop 处理服务下发的命令直到连接断开
func (s *Service) readLoop(ctx context.Context) {
	conn := s.currentConn()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Warnf("OCPP service %s connection lost: %v", s.cfg.ID, err)
			return
		}

		frame, err := ocpp16.ParseFrame(data)
		if err != nil {
			s.logger.Debugf("Dropping malformed frame from service %s: %v", s.cfg.ID, err)
			continue
		}
		if frame.MessageType != ocpp16.Call {
			continue
		}
		s.handleCall(ctx, frame)
	}
}

// handleCall 受理服务下发的远程命令
func (s *Service) handleCall(ctx context.Context, frame *ocpp16.Frame) {
	switch frame.Action {
	case ocpp16.ActionRemoteStartTransaction:
		var req ocpp16.RemoteStartTransactionRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.sendCallError(frame.MessageID, "FormationViolation", err.Error())
			return
		}

		// 远程启动需要先取得控制权
		status := ocpp16.RemoteStartStopStatusRejected
		if s.lock.RequestControl(ctx, s.ProxyIdentity()) {
			connectorID := 0
			if req.ConnectorId != nil {
				connectorID = *req.ConnectorId
			}
			if s.commands.RemoteStart(ctx, connectorID, req.IdTag) {
				status = ocpp16.RemoteStartStopStatusAccepted
			} else {
				s.lock.ReleaseControl()
			}
		}
		s.sendCallResult(frame.MessageID, ocpp16.RemoteStartTransactionResponse{Status: status})

	case ocpp16.ActionRemoteStopTransaction:
		var req ocpp16.RemoteStopTransactionRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.sendCallError(frame.MessageID, "FormationViolation", err.Error())
			return
		}

		// 停止命令不做控制权检查
		status := ocpp16.RemoteStartStopStatusRejected
		if s.commands.RemoteStop(ctx, req.TransactionId) {
			status = ocpp16.RemoteStartStopStatusAccepted
		}
		s.sendCallResult(frame.MessageID, ocpp16.RemoteStopTransactionResponse{Status: status})

	default:
		s.sendCallError(frame.MessageID, "NotImplemented", fmt.Sprintf("action %s not supported", frame.Action))
	}
}

// ForwardEvent 向服务转发充电桩事件，尽力而为
func (s *Service) ForwardEvent(event events.Event) {
	conn := s.currentConn()
	if conn == nil {
		return
	}

	data, err := event.ToJSON()
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to serialize event for service forward")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debugf("Failed to forward event to service %s: %v", s.cfg.ID, err)
	}
}

// Health 返回当前连接健康状态
func (s *Service) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Connected:     s.connected,
		Authenticated: s.authenticated,
		Version:       s.cfg.Version,
	}
}

// Stop 关闭连接并退出重连循环
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Service) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Service) setDisconnected() {
	s.mu.Lock()
	wasConnected := s.connected
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
	s.authenticated = false
	s.mu.Unlock()

	if wasConnected {
		metrics.UpstreamConnected.Dec()
	}
}

func (s *Service) sendCallResult(messageID string, payload interface{}) {
	data, err := ocpp16.MarshalCallResult(messageID, payload)
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to marshal call result")
		return
	}
	s.writeRaw(data)
}

func (s *Service) sendCallError(messageID, code, description string) {
	data, err := ocpp16.MarshalCallError(messageID, code, description)
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to marshal call error")
		return
	}
	s.writeRaw(data)
}

func (s *Service) writeRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debugf("Failed to write to service %s: %v", s.cfg.ID, err)
	}
}
