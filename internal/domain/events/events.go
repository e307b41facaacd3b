package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind 充电桩事件类型（封闭集合，新增类型必须同时更新 AllKinds）
type Kind string

const (
	KindBoot               Kind = "boot"
	KindHeartbeat          Kind = "heartbeat"
	KindStatus             Kind = "status"
	KindMeter              Kind = "meter"
	KindTransactionStarted Kind = "transaction_started"
	KindTransactionStopped Kind = "transaction_stopped"
)

// AllKinds 所有事件类型
var AllKinds = []Kind{
	KindBoot,
	KindHeartbeat,
	KindStatus,
	KindMeter,
	KindTransactionStarted,
	KindTransactionStopped,
}

// Event 统一充电桩事件接口
// 封闭类型集合：只有本包内的事件类型可以实现该接口
type Event interface {
	// GetID 获取事件ID
	GetID() string
	// GetKind 获取事件类型
	GetKind() Kind
	// GetTimestamp 获取事件时间戳
	GetTimestamp() time.Time
	// ToJSON 序列化为JSON
	ToJSON() ([]byte, error)

	sealed()
}

// BaseEvent 基础事件结构
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// GetID 实现Event接口
func (e *BaseEvent) GetID() string {
	return e.ID
}

// GetKind 实现Event接口
func (e *BaseEvent) GetKind() Kind {
	return e.Type
}

// GetTimestamp 实现Event接口
func (e *BaseEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

func (e *BaseEvent) sealed() {}

// newBaseEvent 创建基础事件
func newBaseEvent(kind Kind) *BaseEvent {
	return &BaseEvent{
		ID:        uuid.New().String(),
		Type:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// BootEvent 充电桩启动通知事件
type BootEvent struct {
	*BaseEvent
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
}

// NewBootEvent 创建启动通知事件
func NewBootEvent(vendor, model string) *BootEvent {
	return &BootEvent{
		BaseEvent: newBaseEvent(KindBoot),
		Vendor:    vendor,
		Model:     model,
	}
}

// ToJSON 实现Event接口
func (e *BootEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// HeartbeatEvent 充电桩心跳事件
type HeartbeatEvent struct {
	*BaseEvent
	CurrentTime string `json:"current_time"`
}

// NewHeartbeatEvent 创建心跳事件
func NewHeartbeatEvent(currentTime string) *HeartbeatEvent {
	return &HeartbeatEvent{
		BaseEvent:   newBaseEvent(KindHeartbeat),
		CurrentTime: currentTime,
	}
}

// ToJSON 实现Event接口
func (e *HeartbeatEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// StatusEvent 充电桩状态通知事件
type StatusEvent struct {
	*BaseEvent
	ConnectorID int    `json:"connector_id"`
	ErrorCode   string `json:"error_code"`
	Status      string `json:"status"`
}

// NewStatusEvent 创建状态通知事件
func NewStatusEvent(connectorID int, errorCode, status string) *StatusEvent {
	return &StatusEvent{
		BaseEvent:   newBaseEvent(KindStatus),
		ConnectorID: connectorID,
		ErrorCode:   errorCode,
		Status:      status,
	}
}

// ToJSON 实现Event接口
func (e *StatusEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// IsFault 判断状态是否表示充电桩故障或不可用
func (e *StatusEvent) IsFault() bool {
	switch strings.ToLower(e.Status) {
	case "faulted", "unavailable":
		return true
	}
	return false
}

// MeterEvent 电表读数事件
type MeterEvent struct {
	*BaseEvent
	ConnectorID int               `json:"connector_id"`
	Values      []json.RawMessage `json:"values"`
}

// NewMeterEvent 创建电表读数事件
func NewMeterEvent(connectorID int, values []json.RawMessage) *MeterEvent {
	return &MeterEvent{
		BaseEvent:   newBaseEvent(KindMeter),
		ConnectorID: connectorID,
		Values:      values,
	}
}

// ToJSON 实现Event接口
func (e *MeterEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// TransactionStartedEvent 交易开始事件
type TransactionStartedEvent struct {
	*BaseEvent
	TransactionID int    `json:"transaction_id"`
	ConnectorID   int    `json:"connector_id"`
	IdTag         string `json:"id_tag"`
	MeterStart    int    `json:"meter_start"`
	StartTime     string `json:"start_time"`
}

// NewTransactionStartedEvent 创建交易开始事件
func NewTransactionStartedEvent(transactionID, connectorID int, idTag string, meterStart int, startTime string) *TransactionStartedEvent {
	return &TransactionStartedEvent{
		BaseEvent:     newBaseEvent(KindTransactionStarted),
		TransactionID: transactionID,
		ConnectorID:   connectorID,
		IdTag:         idTag,
		MeterStart:    meterStart,
		StartTime:     startTime,
	}
}

// ToJSON 实现Event接口
func (e *TransactionStartedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// TransactionStoppedEvent 交易停止事件
type TransactionStoppedEvent struct {
	*BaseEvent
	TransactionID int    `json:"transaction_id"`
	MeterStop     int    `json:"meter_stop"`
	StopTime      string `json:"stop_time"`
}

// NewTransactionStoppedEvent 创建交易停止事件
func NewTransactionStoppedEvent(transactionID, meterStop int, stopTime string) *TransactionStoppedEvent {
	return &TransactionStoppedEvent{
		BaseEvent:     newBaseEvent(KindTransactionStopped),
		TransactionID: transactionID,
		MeterStop:     meterStop,
		StopTime:      stopTime,
	}
}

// ToJSON 实现Event接口
func (e *TransactionStoppedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
