package api

import (
	"encoding/json"
	"net/http"

	"github.com/charging-platform/ev-charger-proxy/internal/broker"
	"github.com/charging-platform/ev-charger-proxy/internal/chargepoint"
)

// backendCommand 后端WebSocket下发的命令
type backendCommand struct {
	Action        string `json:"action"`
	ConnectorID   int    `json:"connector_id"`
	IdTag         string `json:"id_tag"`
	TransactionID int    `json:"transaction_id"`
}

// commandResult 命令执行结果
type commandResult struct {
	Action string `json:"action"`
	Result bool   `json:"result"`
}

// commandError 命令拒绝或无法识别
type commandError struct {
	Error string `json:"error"`
}

// handleCharger 充电桩WebSocket接入
// 单桩代理：新的充电桩连接替换旧连接。
func (s *Server) handleCharger(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Charger websocket upgrade failed: %v", err)
		return
	}

	cp := chargepoint.New("CP-1", conn, s.events, s.acct, s.lock, s.notifier, s.logger)
	s.chargers.Set(cp)
	s.logger.Info("Charger connected")

	if err := cp.Start(r.Context()); err != nil {
		s.logger.Infof("Charger disconnected: %v", err)
	}
	s.chargers.Clear(cp)
	conn.Close()
}

// handleBackend 后端WebSocket接入
// 订阅充电桩事件流并受理远程启停命令。
func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	backendID := r.URL.Query().Get("id")
	if backendID == "" {
		backendID = "unknown"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Backend websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := broker.NewWSSubscriber(backendID, conn, s.logger)
	s.subscribers.Subscribe(sub)
	defer s.subscribers.Unsubscribe(backendID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Infof("Backend %s disconnected", backendID)
			return
		}

		var cmd backendCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendBackendJSON(sub, commandError{Error: "unknown_action"})
			continue
		}

		switch {
		case cmd.Action == "RemoteStartTransaction" && s.chargers.Connected():
			// 远程启动需要先取得控制权，拒绝原因不回传
			if !s.lock.RequestControl(r.Context(), backendID) {
				s.sendBackendJSON(sub, commandError{Error: "control_locked"})
				continue
			}
			connectorID := cmd.ConnectorID
			if connectorID == 0 {
				connectorID = 1
			}
			result := s.chargers.RemoteStart(r.Context(), connectorID, cmd.IdTag)
			s.sendBackendJSON(sub, commandResult{Action: cmd.Action, Result: result})

		case cmd.Action == "RemoteStopTransaction" && s.chargers.Connected():
			// 停止命令不做控制权检查
			result := s.chargers.RemoteStop(r.Context(), cmd.TransactionID)
			s.sendBackendJSON(sub, commandResult{Action: cmd.Action, Result: result})

		default:
			s.sendBackendJSON(sub, commandError{Error: "unknown_action"})
		}
	}
}

// sendBackendJSON 向后端回写命令响应
// 连接的写端由订阅者的写协程独占，命令响应与事件流走同一条队列。
func (s *Server) sendBackendJSON(sub broker.Subscriber, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := sub.Send(data); err != nil {
		s.logger.Debugf("Failed to queue command response for backend %s: %v", sub.ID(), err)
	}
}
