package upstream

import (
	"context"

	"github.com/charging-platform/ev-charger-proxy/internal/chargepoint"
	"github.com/charging-platform/ev-charger-proxy/internal/config"
	"github.com/charging-platform/ev-charger-proxy/internal/control"
	"github.com/charging-platform/ev-charger-proxy/internal/domain/events"
	"github.com/charging-platform/ev-charger-proxy/internal/logger"
)

// Manager 外部OCPP服务连接管理器
// 管理所有启用服务的生命周期并聚合健康状态。
type Manager struct {
	services []*Service
	logger   *logger.Logger
}

// NewManager 创建服务连接管理器，仅纳管启用的服务
func NewManager(cfgs []config.ServiceConfig, lock *control.Manager, commands chargepoint.CommandGateway, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	m := &Manager{logger: log}
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			log.Infof("OCPP service %s is disabled, skipping", cfg.ID)
			continue
		}
		m.services = append(m.services, NewService(cfg, lock, commands, log))
	}
	return m
}

// StartAll 启动所有服务的连接维护协程
func (m *Manager) StartAll(ctx context.Context) {
	for _, svc := range m.services {
		go svc.Run(ctx)
	}
	m.logger.Infof("Started %d OCPP service connections", len(m.services))
}

// StopAll 停止所有服务连接，尽力而为
func (m *Manager) StopAll() {
	for _, svc := range m.services {
		svc.Stop()
	}
}

// BroadcastEvent 向所有服务转发充电桩事件
func (m *Manager) BroadcastEvent(event events.Event) {
	for _, svc := range m.services {
		svc.ForwardEvent(event)
	}
}

// HealthAll 返回所有服务的健康状态
func (m *Manager) HealthAll() map[string]Health {
	health := make(map[string]Health, len(m.services))
	for _, svc := range m.services {
		health[svc.ID()] = svc.Health()
	}
	return health
}
