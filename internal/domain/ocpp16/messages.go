package ocpp16

import "encoding/json"

// IdTagInfo 授权信息
type IdTagInfo struct {
	Status      AuthorizationStatus `json:"status"`
	ExpiryDate  *string             `json:"expiryDate,omitempty"`
	ParentIdTag *string             `json:"parentIdTag,omitempty"`
}

// BootNotificationRequest 启动通知请求
type BootNotificationRequest struct {
	ChargePointVendor string `json:"chargePointVendor" validate:"required,max=20"`
	ChargePointModel  string `json:"chargePointModel" validate:"required,max=20"`
	FirmwareVersion   string `json:"firmwareVersion,omitempty" validate:"omitempty,max=50"`
}

// BootNotificationResponse 启动通知响应
type BootNotificationResponse struct {
	Status      RegistrationStatus `json:"status"`
	CurrentTime string             `json:"currentTime"`
	Interval    int                `json:"interval"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct{}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	CurrentTime string `json:"currentTime"`
}

// StatusNotificationRequest 状态通知请求
type StatusNotificationRequest struct {
	ConnectorId int    `json:"connectorId" validate:"min=0"`
	ErrorCode   string `json:"errorCode" validate:"required"`
	Status      string `json:"status" validate:"required"`
	Info        string `json:"info,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// StatusNotificationResponse 状态通知响应
type StatusNotificationResponse struct{}

// MeterValuesRequest 电表读数请求
type MeterValuesRequest struct {
	ConnectorId   int               `json:"connectorId" validate:"min=0"`
	TransactionId *int              `json:"transactionId,omitempty"`
	MeterValue    []json.RawMessage `json:"meterValue"`
}

// MeterValuesResponse 电表读数响应
type MeterValuesResponse struct{}

// StartTransactionRequest 开始交易请求
type StartTransactionRequest struct {
	ConnectorId int    `json:"connectorId" validate:"required,min=1"`
	IdTag       string `json:"idTag" validate:"required,max=20"`
	MeterStart  int    `json:"meterStart" validate:"min=0"`
	Timestamp   string `json:"timestamp" validate:"required"`
}

// StartTransactionResponse 开始交易响应
type StartTransactionResponse struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
	TransactionId int       `json:"transactionId"`
}

// StopTransactionRequest 停止交易请求
type StopTransactionRequest struct {
	TransactionId int    `json:"transactionId" validate:"required"`
	MeterStop     int    `json:"meterStop" validate:"min=0"`
	Timestamp     string `json:"timestamp" validate:"required"`
	Reason        string `json:"reason,omitempty"`
}

// StopTransactionResponse 停止交易响应
type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

// RemoteStartTransactionRequest 远程开始交易请求
type RemoteStartTransactionRequest struct {
	ConnectorId *int   `json:"connectorId,omitempty" validate:"omitempty,min=1"`
	IdTag       string `json:"idTag" validate:"required,max=20"`
}

// RemoteStartTransactionResponse 远程开始交易响应
type RemoteStartTransactionResponse struct {
	Status RemoteStartStopStatus `json:"status"`
}

// RemoteStopTransactionRequest 远程停止交易请求
type RemoteStopTransactionRequest struct {
	TransactionId int `json:"transactionId" validate:"required"`
}

// RemoteStopTransactionResponse 远程停止交易响应
type RemoteStopTransactionResponse struct {
	Status RemoteStartStopStatus `json:"status"`
}
