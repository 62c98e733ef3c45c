package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/econlab/server/internal/comm"
	"github.com/econlab/server/internal/config"
	"github.com/econlab/server/internal/control"
	_ "github.com/econlab/server/internal/island" // registers the island controller
	"github.com/econlab/server/internal/metrics"
	"github.com/econlab/server/internal/params"
	"github.com/econlab/server/internal/persist"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(controller string, players int) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m            econlab  v0.1.0                \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      實驗經濟學 · Go session 伺服器       \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m實驗:\033[0m %s \033[90m(受試者: %d)\033[0m\n\n", controller, players)
}

func printSection(title string) {
	// Use rune count for CJK width calculation (each CJK char = 2 columns)
	displayWidth := 0
	for _, r := range title {
		if r > 0x7F {
			displayWidth += 2
		} else {
			displayWidth++
		}
	}
	lineLen := 46 - displayWidth - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	// Use display width for CJK characters
	displayWidth := 0
	for _, r := range label {
		if r > 0x7F {
			displayWidth += 2
		} else {
			displayWidth++
		}
	}
	dotsLen := 42 - displayWidth - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

func printErr(err error) {
	fmt.Printf("  \033[31m✗\033[0m %v\n", err)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "configs/server.toml"
	if p := os.Getenv("ECONLAB_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the server TOML config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	// 3. Load and validate session parameters
	prm, err := params.Load(cfg.Server.Params)
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}
	if cfg.Server.Autostart {
		prm.Session.Autostart = true
	}

	printBanner(prm.Session.Controller, prm.Session.NumPlayers)

	printSection("參數")
	printStat("受試者", prm.Session.NumPlayers)
	printStat("match 數", len(prm.Matches))
	rounds := 0
	for _, m := range prm.Matches {
		rounds += m.NumRounds
	}
	printStat("總回合", rounds)
	fmt.Println()

	ctrl, err := control.NewController(prm, log)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	// 4. Connect to PostgreSQL and run migrations. The database is an
	// optional mirror of the CSV record; no DSN means CSV only.
	var db *persist.DB
	if cfg.Postgres.DSN != "" {
		printSection("資料庫")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err = persist.NewDB(ctx, cfg.Postgres, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL 連線成功")

		if err := persist.RunMigrations(ctx, db.Pool); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK("資料庫遷移完成")
		fmt.Println()
	}

	// 5. Listener, connection layer, session driver
	met := metrics.NewRegistry()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	co := comm.New(ln, comm.Config{
		PingInterval: cfg.Network.PingInterval.Duration,
		IdleTimeout:  cfg.Network.IdleTimeout.Duration,
		SendQueue:    cfg.Network.SendQueue,
		MaxFrame:     cfg.Network.MaxFrame,
	}, met, log)

	driver := control.NewDriver(control.Config{
		OutputDir:    cfg.Server.OutputDir,
		LoginTimeout: cfg.Network.LoginTimeout.Duration,
		ChatRate:     rate.Limit(cfg.Chat.Rate),
		ChatBurst:    cfg.Chat.Burst,
		DB:           db,
	}, co, ctrl, prm, met, log)

	// 6. Supervise the driver, the metrics endpoint and the shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, quit := context.WithCancel(ctx)
	defer quit()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(ctx) })

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shCancel()
			_ = srv.Shutdown(shCtx)
			return nil
		})
	}

	printSection("伺服器就緒")
	printReady(fmt.Sprintf("監聽位址 %s", ln.Addr()))
	if cfg.Metrics.Listen != "" {
		printReady(fmt.Sprintf("Prometheus 指標 http://%s/metrics", cfg.Metrics.Listen))
	}
	if prm.Session.Autostart {
		printReady("autostart: 所有座位登入後自動開始")
	} else {
		printReady("指令: s=開始  p=暫停  r=繼續  n=下一回合  i=狀態  q=離開")
	}
	fmt.Println()

	go operatorLoop(driver, quit)

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("伺服器已停止")
	return nil
}

// operatorLoop reads one-letter commands from stdin. It stands in for the
// operator GUI: starting and pausing the session, stepping rounds when the
// parameter file wants manual advance, and quitting.
func operatorLoop(d *control.Driver, quit context.CancelFunc) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var err error
		switch strings.TrimSpace(sc.Text()) {
		case "":
			continue
		case "s":
			err = d.StartSession()
		case "p":
			err = d.Pause()
		case "r":
			err = d.Resume()
		case "n":
			err = d.NextRound()
		case "i":
			fmt.Print(d.Info())
		case "q":
			quit()
			return
		default:
			fmt.Println("  指令: s=開始  p=暫停  r=繼續  n=下一回合  i=狀態  q=離開")
		}
		if err != nil {
			printErr(err)
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
