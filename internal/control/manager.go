package control

import (
	"context"
	"sync"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/logger"
	"github.com/charging-platform/ev-charger-proxy/internal/metrics"
)

// DefaultAutoReleaseTimeout 未使用控制权时的默认自动释放超时
const DefaultAutoReleaseTimeout = 60 * time.Second

// Manager 控制权锁管理器
// 持有唯一的控制锁（当前持有者、获取时间、自动释放定时器），
// 串行化所有并发获取请求。锁、限流账本和定时器的全部变更
// 都发生在同一个互斥域内，包括策略评估期间的外部信号查询，
// 保证并发的RequestControl调用全序执行。
type Manager struct {
	mu sync.Mutex

	holder     string
	acquiredAt time.Time

	// 定时器句柄与锁状态存放在同一临界区内变更。
	// 不变量：任何锁变更前必须先取消被取代授权的定时器。
	// timerGen在每次取消时递增，已在途的超时回调据此识别自己已失效。
	timer    *time.Timer
	timerGen uint64

	ledger Ledger

	params  Params
	signals SignalGateway
	logger  *logger.Logger

	now    func() time.Time
	closed bool
}

// NewManager 创建控制权锁管理器
func NewManager(params Params, signals SignalGateway, log *logger.Logger) *Manager {
	if params.AutoReleaseTimeout <= 0 {
		params.AutoReleaseTimeout = DefaultAutoReleaseTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		ledger:  make(Ledger),
		params:  params,
		signals: signals,
		logger:  log,
		now:     time.Now,
	}
}

// RequestControl 尝试为请求者获取或抢占控制权
// 返回是否授予。拒绝不是错误，调用方仅得到布尔结果。
func (m *Manager) RequestControl(ctx context.Context, requester string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	decision := Evaluate(ctx, requester, m.now(), m.holder, m.ledger, m.params, m.signals)
	switch decision {
	case DecisionGrantWithPreemption:
		m.logger.Infof("Preferred provider %s preempting control from %s", requester, m.holder)
		m.releaseLocked()
		metrics.Preemptions.Inc()
	case DecisionGrant:
	default:
		metrics.ControlRequests.WithLabelValues("denied").Inc()
		m.logger.Debugf("Control request denied for %s", requester)
		return false
	}

	m.holder = requester
	m.acquiredAt = m.now()
	m.startTimerLocked()
	metrics.ControlRequests.WithLabelValues("granted").Inc()
	m.logger.Infof("Control granted to %s", requester)
	return true
}

// ReleaseControl 释放控制锁，幂等
// 被策略拒绝路径、显式覆盖、订阅者断开和充电桩故障处理共用。
func (m *Manager) ReleaseControl() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

// ForceOverride 管理员覆盖：释放当前持有者后立即为指定请求者重新请求
// 释放与重新请求在同一临界区内完成，中间不会被其他请求插入。
// 返回新的授予结果和当前持有者。
func (m *Manager) ForceOverride(ctx context.Context, requester string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, m.holder
	}

	m.releaseLocked()

	decision := Evaluate(ctx, requester, m.now(), m.holder, m.ledger, m.params, m.signals)
	switch decision {
	case DecisionGrant, DecisionGrantWithPreemption:
		m.holder = requester
		m.acquiredAt = m.now()
		m.startTimerLocked()
		metrics.ControlRequests.WithLabelValues("granted").Inc()
		m.logger.Infof("Control overridden to %s", requester)
		return true, m.holder
	default:
		metrics.ControlRequests.WithLabelValues("denied").Inc()
		return false, m.holder
	}
}

// Holder 返回当前控制权持有者，空字符串表示无人持有
func (m *Manager) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}

// Close 关闭管理器并取消未完成的自动释放定时器
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	m.closed = true
}

// releaseLocked 清除持有者并取消定时器，调用方必须持有m.mu
func (m *Manager) releaseLocked() {
	if m.holder != "" {
		m.logger.Infof("Control released from %s", m.holder)
	}
	m.holder = ""
	m.acquiredAt = time.Time{}
	m.cancelTimerLocked()
}

// cancelTimerLocked 取消定时器并使在途回调失效，调用方必须持有m.mu
func (m *Manager) cancelTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// startTimerLocked 为当前授权启动自动释放定时器，调用方必须持有m.mu
func (m *Manager) startTimerLocked() {
	m.cancelTimerLocked()
	gen := m.timerGen
	m.timer = time.AfterFunc(m.params.AutoReleaseTimeout, func() {
		m.autoRelease(gen)
	})
}

// autoRelease 自动释放定时器回调
// 无条件释放，但仅当回调仍对应当前授权（代数匹配）时生效，
// 被取代授权的过期回调在此成为空操作。
func (m *Manager) autoRelease(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.timerGen {
		return
	}
	metrics.AutoReleases.Inc()
	m.logger.Infof("Auto-release timeout expired, releasing control from %s", m.holder)
	m.releaseLocked()
}
