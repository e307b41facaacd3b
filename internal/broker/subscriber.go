package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/control"
	"github.com/charging-platform/ev-charger-proxy/internal/logger"
	"github.com/charging-platform/ev-charger-proxy/internal/metrics"
	"github.com/gorilla/websocket"
)

// Subscriber 后端订阅者的投递句柄
// 同一订阅者的事件投递保持到达顺序
type Subscriber interface {
	// ID 订阅者标识
	ID() string
	// Send 投递一条消息，尽力而为
	Send(data []byte) error
	// Close 关闭投递通道
	Close()
}

// Registry 订阅者注册表
// 与控制锁使用独立的互斥量：两者之间唯一的耦合是
// 注销持有者时触发的锁释放，经由Manager自身的串行入口完成。
type Registry struct {
	mu   sync.RWMutex
	subs map[string]Subscriber

	lock   *control.Manager
	logger *logger.Logger
}

// NewRegistry 创建订阅者注册表
func NewRegistry(lock *control.Manager, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		subs:   make(map[string]Subscriber),
		lock:   lock,
		logger: log,
	}
}

// Subscribe 注册订阅者，同名订阅者被替换
func (r *Registry) Subscribe(sub Subscriber) {
	r.mu.Lock()
	old, exists := r.subs[sub.ID()]
	r.subs[sub.ID()] = sub
	r.mu.Unlock()

	if exists {
		old.Close()
	}
	metrics.ActiveSubscribers.Set(float64(r.count()))
	r.logger.Infof("Backend %s subscribed", sub.ID())
}

// Unsubscribe 注销订阅者
// 注销的订阅者恰好是当前控制权持有者时释放锁。
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	sub, exists := r.subs[id]
	if exists {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if !exists {
		return
	}
	sub.Close()

	if r.lock != nil && r.lock.Holder() == id {
		r.lock.ReleaseControl()
	}
	metrics.ActiveSubscribers.Set(float64(r.count()))
	r.logger.Infof("Backend %s unsubscribed", id)
}

// IDs 返回所有订阅者标识
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	return ids
}

// snapshot 返回订阅者快照，供广播遍历
func (r *Registry) snapshot() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// wsSubscriber 基于WebSocket连接的订阅者
// 单一写协程消费发送队列，保证每订阅者的投递顺序。
type wsSubscriber struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
	logger *logger.Logger
}

// sendQueueSize 每订阅者发送队列长度
const sendQueueSize = 64

// writeTimeout 单条消息写超时
const writeTimeout = 10 * time.Second

// NewWSSubscriber 创建WebSocket订阅者并启动写协程
func NewWSSubscriber(id string, conn *websocket.Conn, log *logger.Logger) Subscriber {
	if log == nil {
		log = logger.NewNop()
	}
	s := &wsSubscriber{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: log,
	}
	go s.writePump()
	return s
}

// ID 实现Subscriber接口
func (s *wsSubscriber) ID() string {
	return s.id
}

// Send 实现Subscriber接口
// 发送队列满时丢弃消息并返回错误（优雅降级，不阻塞广播）。
func (s *wsSubscriber) Send(data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("subscriber %s is closed", s.id)
	default:
	}

	select {
	case s.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("send queue full for subscriber %s", s.id)
	}
}

// Close 实现Subscriber接口
func (s *wsSubscriber) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// writePump 消费发送队列并写入连接
func (s *wsSubscriber) writePump() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugf("Failed to send event to backend %s: %v", s.id, err)
			}
		}
	}
}
