package habridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/logger"
	"github.com/gorilla/websocket"
)

// Bridge Home Assistant网关
// 提供实体状态查询和持久化通知两个能力
type Bridge struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logger.Logger

	// 启动时通过WebSocket握手验证令牌，连接保留到关闭
	ws *websocket.Conn
}

// haState Home Assistant状态响应
type haState struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// authMessage WebSocket认证消息
type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// New 创建Home Assistant网关
func New(baseURL, token string, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log,
	}
}

// Connect 建立WebSocket连接并完成认证握手
func (b *Bridge) Connect(ctx context.Context) error {
	wsURL := strings.Replace(b.baseURL, "http", "ws", 1) + "/api/websocket"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial Home Assistant websocket: %w", err)
	}

	// 认证握手：服务端先发auth_required，客户端回auth，等待auth_ok
	var required authMessage
	if err := conn.ReadJSON(&required); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read auth challenge: %w", err)
	}
	if err := conn.WriteJSON(authMessage{Type: "auth", AccessToken: b.token}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send auth message: %w", err)
	}
	var result authMessage
	if err := conn.ReadJSON(&result); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if result.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("Home Assistant authentication failed: %s", result.Type)
	}

	b.ws = conn
	b.logger.Info("Home Assistant bridge connected and authenticated")
	return nil
}

// GetState 查询指定实体的当前状态值
func (b *Bridge) GetState(ctx context.Context, entityID string) (string, error) {
	url := fmt.Sprintf("%s/api/states/%s", b.baseURL, entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build state request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query state of %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d querying state of %s", resp.StatusCode, entityID)
	}

	var state haState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return "", fmt.Errorf("failed to decode state of %s: %w", entityID, err)
	}
	return state.State, nil
}

// Notify 发送持久化通知，尽力而为
func (b *Bridge) Notify(ctx context.Context, title, message string) error {
	url := b.baseURL + "/api/services/persistent_notification/create"

	body, err := json.Marshal(map[string]string{
		"title":   title,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status %d sending notification", resp.StatusCode)
	}
	return nil
}

// Close 关闭WebSocket连接
func (b *Bridge) Close() error {
	if b.ws != nil {
		return b.ws.Close()
	}
	return nil
}
