package broker

import (
	"context"
	"fmt"

	"github.com/charging-platform/ev-charger-proxy/internal/control"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/events"
	"github.com/charging-platform/ev-charger-proxy/internal/logger"
	"github.com/charging-platform/ev-charger-proxy/internal/metrics"
)

// ServiceBroadcaster 外部OCPP服务事件出口
type ServiceBroadcaster interface {
	BroadcastEvent(event events.Event)
}

// EventSink 附加事件出口（Kafka等）
type EventSink interface {
	PublishEvent(event events.Event) error
}

// Notifier 通知侧信道，失败被吞掉
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Router 事件广播路由器
// 将充电桩事件扇出到所有订阅者和外部服务。
// 故障类状态事件在广播返回前触发控制锁释放：
// 充电桩故障时不允许继续被某个后端远程锁定。
type Router struct {
	registry *Registry
	lock     *control.Manager

	services ServiceBroadcaster
	sink     EventSink
	notifier Notifier

	logger *logger.Logger
}

// NewRouter 创建事件广播路由器
// services、sink和notifier均可为nil。
func NewRouter(registry *Registry, lock *control.Manager, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{
		registry: registry,
		lock:     lock,
		logger:   log,
	}
}

// SetServiceBroadcaster 设置外部OCPP服务出口
func (r *Router) SetServiceBroadcaster(services ServiceBroadcaster) {
	r.services = services
}

// SetEventSink 设置附加事件出口
func (r *Router) SetEventSink(sink EventSink) {
	r.sink = sink
}

// SetNotifier 设置通知侧信道
func (r *Router) SetNotifier(notifier Notifier) {
	r.notifier = notifier
}

// Broadcast 广播充电桩事件
// 对单个订阅者的投递失败不影响其他订阅者，也不向调用方传播。
// 故障处理在返回前同步完成。
func (r *Router) Broadcast(ctx context.Context, event events.Event) {
	data, err := event.ToJSON()
	if err != nil {
		r.logger.ErrorWithErr(err, "Failed to serialize event for broadcast")
		return
	}

	for _, sub := range r.registry.snapshot() {
		if err := sub.Send(data); err != nil {
			r.logger.Debugf("Failed to deliver event to %s: %v", sub.ID(), err)
		}
	}

	if r.services != nil {
		r.services.BroadcastEvent(event)
	}
	if r.sink != nil {
		if err := r.sink.PublishEvent(event); err != nil {
			r.logger.Debugf("Failed to publish event to sink: %v", err)
		}
	}

	metrics.EventsBroadcast.WithLabelValues(string(event.GetKind())).Inc()

	// 充电桩故障或不可用：撤销控制权并告警
	if status, ok := event.(*events.StatusEvent); ok && status.IsFault() {
		r.logger.Warnf("Charger reported %s (error=%s), revoking control", status.Status, status.ErrorCode)
		r.lock.ReleaseControl()
		if r.notifier != nil {
			msg := fmt.Sprintf("Status=%s, Error=%s", status.Status, status.ErrorCode)
			if err := r.notifier.Notify(ctx, "Charger Fault", msg); err != nil {
				r.logger.Debugf("Failed to send fault notification: %v", err)
			}
		}
	}
}
