package control

import (
	"context"
	"strings"
	"time"
)

// Decision 策略评估结果
type Decision int

const (
	// DecisionDeny 拒绝请求
	DecisionDeny Decision = iota
	// DecisionGrant 授予控制权
	DecisionGrant
	// DecisionGrantWithPreemption 抢占当前持有者后授予控制权
	DecisionGrantWithPreemption
)

// String 实现Stringer接口
func (d Decision) String() string {
	switch d {
	case DecisionDeny:
		return "deny"
	case DecisionGrant:
		return "grant"
	case DecisionGrantWithPreemption:
		return "grant_with_preemption"
	default:
		return "unknown"
	}
}

// ServicePrefix 外部OCPP服务代理身份的保留前缀
// 带此前缀的请求者跳过允许/阻止名单过滤
const ServicePrefix = "ocpp_service_"

// 外部信号哨兵值，区分大小写精确匹配
const (
	// SignalOverrideOn 覆盖开关允许共享充电的状态值
	SignalOverrideOn = "on"
	// SignalPresenceHome 在家状态值，禁止共享充电
	SignalPresenceHome = "home"
)

// SignalGateway 外部信号网关
// 查询失败时策略按fail-open处理（放行该项检查）
type SignalGateway interface {
	GetState(ctx context.Context, entityID string) (string, error)
}

// Params 仲裁策略参数
type Params struct {
	AllowSharedCharging bool
	PreferredProvider   string
	AllowedProviders    []string
	BlockedProviders    []string
	RateLimitInterval   time.Duration
	AutoReleaseTimeout  time.Duration
	// 外部信号实体名，为空表示不检查
	OverrideEntity string
	PresenceEntity string
}

// Ledger 请求者到最近一次请求时间的映射
// 条目只增不删，数量受不同请求者数量约束
type Ledger map[string]time.Time

// Evaluate 按固定顺序评估控制权请求
// 除限流时间戳更新外无副作用：无论后续检查是否通过，
// 限流记录都会先被更新（即被拒绝的请求同样消耗限流窗口）
func Evaluate(ctx context.Context, requester string, now time.Time, holder string, ledger Ledger, params Params, signals SignalGateway) Decision {
	// 1. 限流检查
	if last, ok := ledger[requester]; ok && now.Sub(last) < params.RateLimitInterval {
		return DecisionDeny
	}
	ledger[requester] = now

	// 2. 全局共享充电开关
	if !params.AllowSharedCharging {
		return DecisionDeny
	}

	// 3. 覆盖开关信号：必须为 "on" 才允许共享
	if signals != nil && params.OverrideEntity != "" {
		state, err := signals.GetState(ctx, params.OverrideEntity)
		if err == nil && state != SignalOverrideOn {
			return DecisionDeny
		}
	}

	// 4. 在家状态信号：有人在家时禁止共享
	if signals != nil && params.PresenceEntity != "" {
		state, err := signals.GetState(ctx, params.PresenceEntity)
		if err == nil && state == SignalPresenceHome {
			return DecisionDeny
		}
	}

	// 5. 供应商过滤（外部OCPP服务代理身份跳过）
	if !strings.HasPrefix(requester, ServicePrefix) {
		for _, blocked := range params.BlockedProviders {
			if requester == blocked {
				return DecisionDeny
			}
		}
		if len(params.AllowedProviders) > 0 {
			allowed := false
			for _, p := range params.AllowedProviders {
				if requester == p {
					allowed = true
					break
				}
			}
			if !allowed {
				return DecisionDeny
			}
		}
	}

	// 6. 锁状态与抢占
	if holder != "" && requester == params.PreferredProvider && requester != holder {
		return DecisionGrantWithPreemption
	}
	if holder == "" {
		return DecisionGrant
	}
	return DecisionDeny
}
