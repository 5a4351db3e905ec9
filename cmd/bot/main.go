package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jpillora/backoff"

	"lit-grid-bot-go/internal/config"
	"lit-grid-bot-go/internal/exchange"
	"lit-grid-bot-go/internal/ledger"
	"lit-grid-bot-go/internal/logger"
	"lit-grid-bot-go/internal/metrics"
	"lit-grid-bot-go/internal/models"
	"lit-grid-bot-go/internal/orchestrator"
	"lit-grid-bot-go/internal/reporter"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// 在加载配置前先用默认配置初始化日志，保证启动阶段也有日志可看
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	apiKey := os.Getenv("EXCHANGE_API_KEY")
	secretKey := os.Getenv("EXCHANGE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("错误：EXCHANGE_API_KEY 和 EXCHANGE_SECRET_KEY 环境变量必须被设置。")
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "data/ledger"
	}
	led, err := ledger.NewBadgerLedger(dbPath)
	if err != nil {
		logger.S().Fatalf("打开账本失败: %v", err)
	}
	defer led.Close()

	ex, err := exchange.NewLiveExchange(cfg.Symbol, apiKey, secretKey,
		cfg.APIBaseURL, cfg.WSBaseURL, logger.S())
	if err != nil {
		logger.S().Fatalf("初始化交易所失败: %v", err)
	}
	defer ex.Close()

	orch := orchestrator.New(cfg, ex, led)
	if err := orch.Initialize(); err != nil {
		logger.S().Fatalf("初始化失败: %v", err)
	}

	prom := metrics.NewPrometheus()
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, prom)
	}

	run(cfg, ex, orch, prom)
	logger.S().Info("机器人已停止。")
}

// run 是主节拍循环：按轮询间隔取价并驱动编排器，直到收到退出信号。
// 行情连续失败时按指数退避放慢节奏，恢复后回到正常间隔。
func run(cfg *models.Config, ex exchange.Exchange, orch *orchestrator.Orchestrator, prom *metrics.Prometheus) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	pollInterval := time.Duration(cfg.PollIntervalSec) * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	statusTicker := time.NewTicker(time.Duration(cfg.StatusIntervalSec) * time.Second)
	defer statusTicker.Stop()

	retreat := &backoff.Backoff{Min: pollInterval, Max: time.Minute, Factor: 2}
	haltedAnnounced := false

	for {
		select {
		case <-quit:
			logger.S().Info("收到退出信号，正在停止……")
			return

		case <-statusTicker.C:
			reporter.Log(orch.Status())

		case <-ticker.C:
			price, err := ex.GetMidPrice()
			if err != nil {
				wait := retreat.Duration()
				logger.S().Warnw("获取价格失败，降级等待", "err", err, "wait", wait)
				time.Sleep(wait)
				continue
			}
			fundingRate, err := ex.GetFundingRate()
			if err != nil {
				// 资金费率只影响对冲的负费率计时，缺一拍不致命
				logger.S().Warnw("获取资金费率失败，本拍按 0 处理", "err", err)
				fundingRate = 0
			}
			retreat.Reset()

			tickErr := orch.Tick(price, fundingRate)
			if tickErr != nil {
				logger.S().Errorw("节拍部分失败", "err", tickErr)
			}
			prom.ObserveTick(orch.Status(), tickErr != nil)

			if orch.Halted() && !haltedAnnounced {
				haltedAnnounced = true
				reporter.Log(orch.Status())
				logger.S().Error("机器人已紧急停机，等待人工处理。进程保留以供查询状态。")
			}
		}
	}
}

func serveMetrics(addr string, prom *metrics.Prometheus) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	logger.S().Infow("Prometheus 指标端点已启动", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.S().Errorw("指标端点退出", "err", err)
	}
}
