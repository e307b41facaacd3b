package chargepoint

import (
	"context"
	"sync"

	"github.com/charging-platform/ev-charger-proxy/internal/metrics"
)

// CommandGateway 面向当前充电桩的命令出口
// 充电桩离线时所有命令返回false。
type CommandGateway interface {
	// RemoteStart 下发远程开始充电命令
	RemoteStart(ctx context.Context, connectorID int, idTag string) bool
	// RemoteStop 下发远程停止充电命令
	RemoteStop(ctx context.Context, transactionID int) bool
	// Connected 充电桩是否在线
	Connected() bool
}

// Registry 当前活动充电桩
// 单桩代理：同一时刻最多一个充电桩连接，新连接替换旧连接。
type Registry struct {
	mu sync.RWMutex
	cp *ChargePoint
}

// NewRegistry 创建充电桩注册表
func NewRegistry() *Registry {
	return &Registry{}
}

// Set 登记活动充电桩连接
func (r *Registry) Set(cp *ChargePoint) {
	r.mu.Lock()
	r.cp = cp
	r.mu.Unlock()
	metrics.ChargerConnected.Set(1)
}

// Clear 注销充电桩连接，仅当仍是当前连接时生效
func (r *Registry) Clear(cp *ChargePoint) {
	r.mu.Lock()
	cleared := false
	if r.cp == cp {
		r.cp = nil
		cleared = true
	}
	r.mu.Unlock()
	if cleared {
		metrics.ChargerConnected.Set(0)
	}
}

// Get 返回当前充电桩连接，离线时为nil
func (r *Registry) Get() *ChargePoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cp
}

// Connected 实现CommandGateway接口
func (r *Registry) Connected() bool {
	return r.Get() != nil
}

// RemoteStart 实现CommandGateway接口
func (r *Registry) RemoteStart(ctx context.Context, connectorID int, idTag string) bool {
	cp := r.Get()
	if cp == nil {
		return false
	}
	return cp.RemoteStart(ctx, connectorID, idTag)
}

// RemoteStop 实现CommandGateway接口
func (r *Registry) RemoteStop(ctx context.Context, transactionID int) bool {
	cp := r.Get()
	if cp == nil {
		return false
	}
	return cp.RemoteStop(ctx, transactionID)
}
