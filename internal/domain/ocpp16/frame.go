package ocpp16

import (
	"encoding/json"
	"fmt"
)

// Frame 解析后的OCPP-J消息帧
// 线路格式: [MessageTypeId, UniqueId, Action, Payload] (Call)
//
//	[MessageTypeId, UniqueId, Payload]          (CallResult)
//	[MessageTypeId, UniqueId, Code, Desc, Det]  (CallError)
type Frame struct {
	MessageType MessageType
	MessageID   string
	Action      Action
	Payload     json.RawMessage
	// CallError专用字段
	ErrorCode        string
	ErrorDescription string
}

// FrameError 消息帧编解码错误
type FrameError struct {
	Operation string
	Message   string
	Cause     error
}

// Error 实现error接口
func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// MarshalCall 编码Call消息
func MarshalCall(messageID string, action Action, payload interface{}) ([]byte, error) {
	data, err := json.Marshal([]interface{}{int(Call), messageID, action, payload})
	if err != nil {
		return nil, &FrameError{Operation: "MarshalCall", Message: "failed to marshal JSON", Cause: err}
	}
	return data, nil
}

// MarshalCallResult 编码CallResult消息
func MarshalCallResult(messageID string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal([]interface{}{int(CallResult), messageID, payload})
	if err != nil {
		return nil, &FrameError{Operation: "MarshalCallResult", Message: "failed to marshal JSON", Cause: err}
	}
	return data, nil
}

// MarshalCallError 编码CallError消息
func MarshalCallError(messageID, errorCode, errorDescription string) ([]byte, error) {
	data, err := json.Marshal([]interface{}{int(CallError), messageID, errorCode, errorDescription, map[string]interface{}{}})
	if err != nil {
		return nil, &FrameError{Operation: "MarshalCallError", Message: "failed to marshal JSON", Cause: err}
	}
	return data, nil
}

// ParseFrame 解析OCPP-J消息帧
func ParseFrame(data []byte) (*Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &FrameError{Operation: "ParseFrame", Message: "failed to unmarshal JSON array", Cause: err}
	}
	if len(raw) < 3 {
		return nil, &FrameError{Operation: "ParseFrame", Message: "message array too short"}
	}

	frame := &Frame{}

	var messageType int
	if err := json.Unmarshal(raw[0], &messageType); err != nil {
		return nil, &FrameError{Operation: "ParseFrame", Message: "invalid message type", Cause: err}
	}
	frame.MessageType = MessageType(messageType)

	if err := json.Unmarshal(raw[1], &frame.MessageID); err != nil {
		return nil, &FrameError{Operation: "ParseFrame", Message: "invalid message id", Cause: err}
	}

	switch frame.MessageType {
	case Call:
		if len(raw) < 4 {
			return nil, &FrameError{Operation: "ParseFrame", Message: "call message array too short"}
		}
		var action string
		if err := json.Unmarshal(raw[2], &action); err != nil {
			return nil, &FrameError{Operation: "ParseFrame", Message: "invalid action", Cause: err}
		}
		frame.Action = Action(action)
		frame.Payload = raw[3]
	case CallResult:
		frame.Payload = raw[2]
	case CallError:
		if err := json.Unmarshal(raw[2], &frame.ErrorCode); err != nil {
			return nil, &FrameError{Operation: "ParseFrame", Message: "invalid error code", Cause: err}
		}
		if len(raw) > 3 {
			if err := json.Unmarshal(raw[3], &frame.ErrorDescription); err != nil {
				return nil, &FrameError{Operation: "ParseFrame", Message: "invalid error description", Cause: err}
			}
		}
	default:
		return nil, &FrameError{Operation: "ParseFrame", Message: fmt.Sprintf("unsupported message type: %d", messageType)}
	}

	return frame, nil
}
