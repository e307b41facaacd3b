package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/accounting"
	"github.com/charging-platform/ev-charger-proxy/internal/api"
	"github.com/charging-platform/ev-charger-proxy/internal/broker"
	"github.com/charging-platform/ev-charger-proxy/internal/chargepoint"
	"github.com/charging-platform/ev-charger-proxy/internal/config"
	"github.com/charging-platform/ev-charger-proxy/internal/control"
	"github.com/charging-platform/ev-charger-proxy/internal/habridge"
	"github.com/charging-platform/ev-charger-proxy/internal/logger"
	"github.com/charging-platform/ev-charger-proxy/internal/message"
	"github.com/charging-platform/ev-charger-proxy/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Logger initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 打开会话日志
	sessionLog, err := accounting.NewSessionLog(cfg.Sessions.DBPath)
	if err != nil {
		log.Fatalf("Failed to open session log: %v", err)
	}
	log.Infof("Session log opened at %s", cfg.Sessions.DBPath)

	// 4. 初始化Home Assistant网关（可选）
	var bridge *habridge.Bridge
	if cfg.HasHomeAssistant() {
		bridge = habridge.New(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, log)
		if err := bridge.Connect(ctx); err != nil {
			// 握手失败不阻止启动，REST查询与通知仍可用
			log.Warnf("Home Assistant websocket handshake failed: %v", err)
		}
	} else {
		log.Info("Home Assistant bridge not configured")
	}

	// 5. 初始化控制权锁管理器
	params := control.Params{
		AllowSharedCharging: cfg.Policy.AllowSharedCharging,
		PreferredProvider:   cfg.Policy.PreferredProvider,
		AllowedProviders:    cfg.Policy.AllowedProviders,
		BlockedProviders:    cfg.Policy.BlockedProviders,
		RateLimitInterval:   cfg.Policy.RateLimitInterval,
		AutoReleaseTimeout:  cfg.Policy.AutoReleaseTimeout,
		OverrideEntity:      cfg.HomeAssistant.OverrideInputBoolean,
		PresenceEntity:      cfg.HomeAssistant.PresenceSensor,
	}
	var lock *control.Manager
	if bridge != nil {
		lock = control.NewManager(params, bridge, log)
	} else {
		lock = control.NewManager(params, nil, log)
	}
	log.Info("Control manager initialized")

	// 6. 初始化会话核算与事件广播
	acct := accounting.NewAccountant(sessionLog, lock.Holder, log)
	subscribers := broker.NewRegistry(lock, log)
	events := broker.NewRouter(subscribers, lock, log)
	if bridge != nil {
		events.SetNotifier(bridge)
	}
	log.Info("Event router initialized")

	// 7. 初始化充电桩注册表与外部OCPP服务连接
	chargers := chargepoint.NewRegistry()
	services := upstream.NewManager(cfg.OCPPServices, lock, chargers, log)
	events.SetServiceBroadcaster(services)
	services.StartAll(ctx)

	// 8. 初始化Kafka事件外发（可选）
	var producer *message.KafkaProducer
	if cfg.Kafka.Enabled {
		producer, err = message.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka producer: %v", err)
		}
		events.SetEventSink(producer)
		log.Info("Kafka producer initialized")
	}

	// 9. 启动HTTP服务
	var notifier broker.Notifier
	if bridge != nil {
		notifier = bridge
	}
	server := api.NewServer(cfg, lock, subscribers, events, chargers, acct, sessionLog, services, notifier, log)
	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Info("EV charger proxy started successfully")

	// 10. 监听并处理优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Error shutting down HTTP server: %v", err)
	}

	services.StopAll()
	lock.Close()

	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("Error closing Kafka producer: %v", err)
		}
	}
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			log.Errorf("Error closing Home Assistant bridge: %v", err)
		}
	}

	log.Info("Server gracefully stopped.")
}
