package accounting

import (
	"context"
	"sync"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/logger"
	"github.com/charging-platform/ev-charger-proxy/internal/metrics"
)

// HolderFunc 返回会话结束时刻的控制权持有者
type HolderFunc func() string

// openSession 进行中会话的起始信息
type openSession struct {
	ConnectorID  int
	IdTag        string
	StartTime    string
	StartMeterWh int
}

// ClosedSession 已结束会话的结算结果
type ClosedSession struct {
	TransactionID int
	BackendID     string
	DurationS     float64
	EnergyKWh     float64
	Revenue       float64
}

// Accountant 会话核算
// 分配交易ID、跟踪进行中的会话，在会话结束时计算时长与电量并写入会话日志。
type Accountant struct {
	mu       sync.Mutex
	nextTxID int
	open     map[int]openSession

	holder HolderFunc
	log    SessionLog
	logger *logger.Logger
}

// NewAccountant 创建会话核算器
func NewAccountant(log SessionLog, holder HolderFunc, lg *logger.Logger) *Accountant {
	if lg == nil {
		lg = logger.NewNop()
	}
	if holder == nil {
		holder = func() string { return "" }
	}
	return &Accountant{
		nextTxID: 1,
		open:     make(map[int]openSession),
		holder:   holder,
		log:      log,
		logger:   lg,
	}
}

// OnTransactionStart 记录会话开始并分配交易ID
// 交易ID从1开始严格递增，进程生命周期内不复用。
func (a *Accountant) OnTransactionStart(connectorID int, idTag, timestamp string, meterStartWh int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	txID := a.nextTxID
	a.nextTxID++

	a.open[txID] = openSession{
		ConnectorID:  connectorID,
		IdTag:        idTag,
		StartTime:    timestamp,
		StartMeterWh: meterStartWh,
	}
	a.logger.Infof("Transaction %d started on connector %d (idTag=%s)", txID, connectorID, idTag)
	return txID
}

// OnTransactionStop 结束会话并写入会话日志
// 未知交易ID是静默空操作（不写记录、不报错）。
// 时间戳解析失败时时长取0；电表值不一致导致的负电量原样保留。
func (a *Accountant) OnTransactionStop(ctx context.Context, txID, meterStopWh int, timestamp string) (*ClosedSession, bool) {
	a.mu.Lock()
	info, ok := a.open[txID]
	if ok {
		delete(a.open, txID)
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Debugf("Stop for unknown transaction %d ignored", txID)
		return nil, false
	}

	duration := 0.0
	start, startErr := parseTimestamp(info.StartTime)
	stop, stopErr := parseTimestamp(timestamp)
	if startErr == nil && stopErr == nil {
		duration = stop.Sub(start).Seconds()
	} else {
		a.logger.Debugf("Failed to parse session timestamps for transaction %d", txID)
	}

	// 电表值单位为Wh
	energy := float64(meterStopWh-info.StartMeterWh) / 1000.0
	backendID := a.holder()

	closed := &ClosedSession{
		TransactionID: txID,
		BackendID:     backendID,
		DurationS:     duration,
		EnergyKWh:     energy,
		Revenue:       0.0,
	}

	if a.log != nil {
		if err := a.log.Append(ctx, backendID, duration, energy, closed.Revenue); err != nil {
			a.logger.ErrorWithErr(err, "Failed to persist session record")
		}
	}

	metrics.SessionsCompleted.Inc()
	if energy > 0 {
		metrics.SessionEnergy.Add(energy)
	}
	a.logger.Infof("Transaction %d stopped: backend=%s, %.3f kWh over %.0fs", txID, backendID, energy, duration)
	return closed, true
}

// OpenCount 返回进行中会话数量
func (a *Accountant) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// parseTimestamp 解析OCPP时间戳，兼容不带时区的格式
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}
