package chargepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/accounting"
	"github.com/charging-platform/ev-charger-proxy/internal/broker"
	"github.com/charging-platform/ev-charger-proxy/internal/control"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/events"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/ocpp16"
	"github.com/charging-platform/ev-charger-proxy/internal/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// callTimeout 出站Call等待响应的超时
const callTimeout = 30 * time.Second

// bootInterval BootNotification响应中下发的心跳间隔（秒）
const bootInterval = 10

// ChargePoint 充电桩连接（CSMS角色）
// 将OCPP 1.6消息翻译为领域事件交给广播路由器，
// 并把后端的远程启停命令转发给充电桩。
type ChargePoint struct {
	id   string
	conn *websocket.Conn

	router   *broker.Router
	acct     *accounting.Accountant
	lock     *control.Manager
	notifier broker.Notifier

	validate *validator.Validate
	logger   *logger.Logger

	// 出站写串行化
	writeMu sync.Mutex

	// 在途Call等待表
	pendingMu sync.Mutex
	pending   map[string]chan *ocpp16.Frame
	closed    bool
}

// New 创建充电桩连接处理器
func New(id string, conn *websocket.Conn, router *broker.Router, acct *accounting.Accountant, lock *control.Manager, notifier broker.Notifier, log *logger.Logger) *ChargePoint {
	if log == nil {
		log = logger.NewNop()
	}
	return &ChargePoint{
		id:       id,
		conn:     conn,
		router:   router,
		acct:     acct,
		lock:     lock,
		notifier: notifier,
		validate: validator.New(),
		logger:   log,
		pending:  make(map[string]chan *ocpp16.Frame),
	}
}

// ID 充电桩标识
func (cp *ChargePoint) ID() string {
	return cp.id
}

// Start 运行读循环直到连接断开
// 连接断开属于该连接任务的致命错误：作为善后的一部分释放控制锁
// （与故障处理语义一致），不影响其他订阅者和进程。
func (cp *ChargePoint) Start(ctx context.Context) error {
	defer cp.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := cp.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("charger connection closed: %w", err)
		}

		frame, err := ocpp16.ParseFrame(data)
		if err != nil {
			cp.logger.Warnf("Dropping malformed frame from charger: %v", err)
			continue
		}

		switch frame.MessageType {
		case ocpp16.Call:
			cp.handleCall(ctx, frame)
		case ocpp16.CallResult, ocpp16.CallError:
			cp.resolvePending(frame)
		}
	}
}

// teardown 连接善后：唤醒在途调用并释放控制锁
func (cp *ChargePoint) teardown() {
	cp.pendingMu.Lock()
	cp.closed = true
	for id, ch := range cp.pending {
		close(ch)
		delete(cp.pending, id)
	}
	cp.pendingMu.Unlock()

	cp.lock.ReleaseControl()
	cp.logger.Info("Charger connection torn down")
}

// handleCall 处理充电桩发来的Call消息
func (cp *ChargePoint) handleCall(ctx context.Context, frame *ocpp16.Frame) {
	switch frame.Action {
	case ocpp16.ActionBootNotification:
		cp.onBootNotification(ctx, frame)
	case ocpp16.ActionHeartbeat:
		cp.onHeartbeat(ctx, frame)
	case ocpp16.ActionStatusNotification:
		cp.onStatusNotification(ctx, frame)
	case ocpp16.ActionMeterValues:
		cp.onMeterValues(ctx, frame)
	case ocpp16.ActionStartTransaction:
		cp.onStartTransaction(ctx, frame)
	case ocpp16.ActionStopTransaction:
		cp.onStopTransaction(ctx, frame)
	default:
		cp.sendCallError(frame.MessageID, "NotImplemented", fmt.Sprintf("action %s not supported", frame.Action))
	}
}

// decodePayload 解析并校验Call载荷
func (cp *ChargePoint) decodePayload(frame *ocpp16.Frame, out interface{}) bool {
	if err := json.Unmarshal(frame.Payload, out); err != nil {
		cp.logger.Warnf("Invalid %s payload: %v", frame.Action, err)
		cp.sendCallError(frame.MessageID, "FormationViolation", err.Error())
		return false
	}
	if err := cp.validate.Struct(out); err != nil {
		cp.logger.Warnf("Payload validation failed for %s: %v", frame.Action, err)
		cp.sendCallError(frame.MessageID, "ProtocolError", err.Error())
		return false
	}
	return true
}

func (cp *ChargePoint) onBootNotification(ctx context.Context, frame *ocpp16.Frame) {
	var req ocpp16.BootNotificationRequest
	if !cp.decodePayload(frame, &req) {
		return
	}

	cp.router.Broadcast(ctx, events.NewBootEvent(req.ChargePointVendor, req.ChargePointModel))

	cp.sendCallResult(frame.MessageID, ocpp16.BootNotificationResponse{
		Status:      ocpp16.RegistrationStatusAccepted,
		CurrentTime: time.Now().UTC().Format(time.RFC3339),
		Interval:    bootInterval,
	})
}

func (cp *ChargePoint) onHeartbeat(ctx context.Context, frame *ocpp16.Frame) {
	now := time.Now().UTC().Format(time.RFC3339)
	cp.router.Broadcast(ctx, events.NewHeartbeatEvent(now))
	cp.sendCallResult(frame.MessageID, ocpp16.HeartbeatResponse{CurrentTime: now})
}

func (cp *ChargePoint) onStatusNotification(ctx context.Context, frame *ocpp16.Frame) {
	var req ocpp16.StatusNotificationRequest
	if !cp.decodePayload(frame, &req) {
		return
	}

	// 故障状态的锁释放与告警由广播路由器在返回前完成
	cp.router.Broadcast(ctx, events.NewStatusEvent(req.ConnectorId, req.ErrorCode, req.Status))
	cp.sendCallResult(frame.MessageID, ocpp16.StatusNotificationResponse{})
}

func (cp *ChargePoint) onMeterValues(ctx context.Context, frame *ocpp16.Frame) {
	var req ocpp16.MeterValuesRequest
	if !cp.decodePayload(frame, &req) {
		return
	}

	cp.router.Broadcast(ctx, events.NewMeterEvent(req.ConnectorId, req.MeterValue))
	cp.sendCallResult(frame.MessageID, ocpp16.MeterValuesResponse{})
}

func (cp *ChargePoint) onStartTransaction(ctx context.Context, frame *ocpp16.Frame) {
	var req ocpp16.StartTransactionRequest
	if !cp.decodePayload(frame, &req) {
		return
	}

	// 交易ID由代理分配，而非充电桩
	txID := cp.acct.OnTransactionStart(req.ConnectorId, req.IdTag, req.Timestamp, req.MeterStart)

	cp.router.Broadcast(ctx, events.NewTransactionStartedEvent(txID, req.ConnectorId, req.IdTag, req.MeterStart, req.Timestamp))

	cp.sendCallResult(frame.MessageID, ocpp16.StartTransactionResponse{
		IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
		TransactionId: txID,
	})
}

func (cp *ChargePoint) onStopTransaction(ctx context.Context, frame *ocpp16.Frame) {
	var req ocpp16.StopTransactionRequest
	if !cp.decodePayload(frame, &req) {
		return
	}

	cp.router.Broadcast(ctx, events.NewTransactionStoppedEvent(req.TransactionId, req.MeterStop, req.Timestamp))

	closed, ok := cp.acct.OnTransactionStop(ctx, req.TransactionId, req.MeterStop, req.Timestamp)
	if ok && cp.notifier != nil {
		msg := fmt.Sprintf("Provider=%s, kWh=%.2f, duration=%.0fs", closed.BackendID, closed.EnergyKWh, closed.DurationS)
		if err := cp.notifier.Notify(ctx, "Charging session ended", msg); err != nil {
			cp.logger.Debugf("Failed to send session notification: %v", err)
		}
	}

	cp.sendCallResult(frame.MessageID, ocpp16.StopTransactionResponse{
		IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
	})
}

// RemoteStart 发送RemoteStartTransaction命令
// 返回是否成功送达并得到响应；任何传输或协议错误都折叠为false。
func (cp *ChargePoint) RemoteStart(ctx context.Context, connectorID int, idTag string) bool {
	req := ocpp16.RemoteStartTransactionRequest{IdTag: idTag}
	if connectorID > 0 {
		req.ConnectorId = &connectorID
	}

	if _, err := cp.call(ctx, ocpp16.ActionRemoteStartTransaction, req); err != nil {
		cp.logger.Warnf("RemoteStartTransaction failed: %v", err)
		return false
	}
	return true
}

// RemoteStop 发送RemoteStopTransaction命令
func (cp *ChargePoint) RemoteStop(ctx context.Context, transactionID int) bool {
	req := ocpp16.RemoteStopTransactionRequest{TransactionId: transactionID}

	if _, err := cp.call(ctx, ocpp16.ActionRemoteStopTransaction, req); err != nil {
		cp.logger.Warnf("RemoteStopTransaction failed: %v", err)
		return false
	}
	return true
}

// call 发送Call并等待匹配的CallResult
func (cp *ChargePoint) call(ctx context.Context, action ocpp16.Action, payload interface{}) (json.RawMessage, error) {
	messageID := uuid.New().String()

	data, err := ocpp16.MarshalCall(messageID, action, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *ocpp16.Frame, 1)
	cp.pendingMu.Lock()
	if cp.closed {
		cp.pendingMu.Unlock()
		return nil, fmt.Errorf("charger connection is closed")
	}
	cp.pending[messageID] = ch
	cp.pendingMu.Unlock()

	defer func() {
		cp.pendingMu.Lock()
		delete(cp.pending, messageID)
		cp.pendingMu.Unlock()
	}()

	if err := cp.write(data); err != nil {
		return nil, err
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("charger connection closed while awaiting %s result", action)
		}
		if frame.MessageType == ocpp16.CallError {
			return nil, fmt.Errorf("charger returned error for %s: %s (%s)", action, frame.ErrorCode, frame.ErrorDescription)
		}
		return frame.Payload, nil
	case <-time.After(callTimeout):
		return nil, fmt.Errorf("timeout awaiting %s result", action)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolvePending 将CallResult/CallError派发给等待的调用方
func (cp *ChargePoint) resolvePending(frame *ocpp16.Frame) {
	cp.pendingMu.Lock()
	ch, ok := cp.pending[frame.MessageID]
	if ok {
		delete(cp.pending, frame.MessageID)
	}
	cp.pendingMu.Unlock()

	if !ok {
		cp.logger.Debugf("Unmatched call result %s ignored", frame.MessageID)
		return
	}
	ch <- frame
}

func (cp *ChargePoint) sendCallResult(messageID string, payload interface{}) {
	data, err := ocpp16.MarshalCallResult(messageID, payload)
	if err != nil {
		cp.logger.ErrorWithErr(err, "Failed to marshal call result")
		return
	}
	if err := cp.write(data); err != nil {
		cp.logger.Warnf("Failed to send call result: %v", err)
	}
}

func (cp *ChargePoint) sendCallError(messageID, code, description string) {
	data, err := ocpp16.MarshalCallError(messageID, code, description)
	if err != nil {
		cp.logger.ErrorWithErr(err, "Failed to marshal call error")
		return
	}
	if err := cp.write(data); err != nil {
		cp.logger.Warnf("Failed to send call error: %v", err)
	}
}

func (cp *ChargePoint) write(data []byte) error {
	cp.writeMu.Lock()
	defer cp.writeMu.Unlock()
	cp.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return cp.conn.WriteMessage(websocket.TextMessage, data)
}
