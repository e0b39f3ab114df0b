package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nostrpub/mediabotd/internal/aggregator"
	"github.com/nostrpub/mediabotd/internal/config"
	"github.com/nostrpub/mediabotd/internal/console"
	"github.com/nostrpub/mediabotd/internal/cookies"
	"github.com/nostrpub/mediabotd/internal/journal"
	"github.com/nostrpub/mediabotd/internal/metrics"
	"github.com/nostrpub/mediabotd/internal/supervisor"
	"github.com/nostrpub/mediabotd/internal/telegram"
	"github.com/nostrpub/mediabotd/internal/uploader"
)

const Version = "0.1.0"

const defaultConfigPath = "/etc/mediabotd/config.yaml"

func main() {
	// Check for subcommands first
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "version":
			runVersionCommand()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	// Default: run as daemon
	runDaemon()
}

func printHelp() {
	fmt.Println(`mediabotd - Telegram media publishing daemon

Usage:
  mediabotd [command] [options]

Commands:
  (none)       Run as daemon (default)
  status       Show daemon status
  version      Show version information
  help         Show this help

Daemon Options:
  -config string  Path to config file (default "` + defaultConfigPath + `")

Subcommand Options:
  -json         Output in JSON format
  -config       Path to config file`)
}

func runVersionCommand() {
	fmt.Printf("mediabotd version %s\n", Version)
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if *jsonOutput {
			outputJSON(map[string]any{"error": err.Error()})
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
		return
	}

	status := map[string]any{
		"version":       Version,
		"owner_id":      cfg.Telegram.OwnerID,
		"script_path":   cfg.Uploader.ScriptPath,
		"channel_count": len(cfg.Channels),
		"admin_listen":  cfg.Admin.Listen,
		"state_dir":     cfg.Storage.StateDir,
	}

	running := -1
	if cfg.Admin.Listen != "" {
		if daemon, err := fetchDaemonStatus(cfg.Admin.Listen); err == nil {
			status["daemon_reachable"] = true
			status["uptime_sec"] = daemon.UptimeSec
			running = len(daemon.Running)
			status["running_jobs"] = running
		} else {
			status["daemon_reachable"] = false
			status["daemon_error"] = err.Error()
		}
	}

	if *jsonOutput {
		outputJSON(status)
		return
	}

	fmt.Printf("mediabotd Status\n")
	fmt.Printf("================\n")
	fmt.Printf("Version:      %s\n", Version)
	fmt.Printf("Owner ID:     %d\n", cfg.Telegram.OwnerID)
	fmt.Printf("Script:       %s\n", cfg.Uploader.ScriptPath)
	fmt.Printf("Channels:     %d\n", len(cfg.Channels))
	fmt.Printf("State Dir:    %s\n", cfg.Storage.StateDir)
	if cfg.Admin.Listen == "" {
		fmt.Printf("Admin:        disabled\n")
		return
	}
	fmt.Printf("Admin:        %s\n", cfg.Admin.Listen)
	if reachable, _ := status["daemon_reachable"].(bool); reachable {
		fmt.Printf("Daemon:       running (uptime %ds, %d active job(s))\n",
			status["uptime_sec"], running)
	} else {
		fmt.Printf("Daemon:       not reachable (%v)\n", status["daemon_error"])
	}
}

type daemonStatus struct {
	UptimeSec int64                `json:"uptime_sec"`
	Running   []console.RunningJob `json:"running"`
}

func fetchDaemonStatus(listen string) (*daemonStatus, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + listen + "/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var ds daemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

func outputJSON(data any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func runDaemon() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

// consoleSink forwards supervisor output to the admin console once it
// exists. Wired before any job can start.
type consoleSink struct {
	srv *console.Server
}

func (c *consoleSink) JobOutput(jobID, stream string, data []byte) {
	if c.srv != nil {
		c.srv.JobOutput(jobID, stream, data)
	}
}

// supervisorStatus adapts the supervisor registry for /v1/status.
type supervisorStatus struct {
	sup *supervisor.Supervisor
}

func (s supervisorStatus) RunningJobs() []console.RunningJob {
	procs := s.sup.Running()
	jobs := make([]console.RunningJob, 0, len(procs))
	for _, p := range procs {
		command := ""
		if len(p.Argv) > 0 {
			command = p.Argv[0]
		}
		jobs = append(jobs, console.RunningJob{
			JobID:     p.JobID,
			Pid:       p.Pid,
			Command:   command,
			StartedAt: p.StartedAt,
		})
	}
	return jobs
}

func run(cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()

	jnl, err := journal.Open(cfg.Storage.StateDir, cfg.Storage.JournalMax)
	if err != nil {
		return fmt.Errorf("failed to open job journal: %w", err)
	}
	defer jnl.Close()

	cookieWatcher, err := cookies.NewWatcher(cfg.Cookies.File, logger)
	if err != nil {
		return fmt.Errorf("failed to start cookie watcher: %w", err)
	}
	defer cookieWatcher.Close()

	var provider supervisor.TreeProvider
	if cfg.Uploader.ProcessTree == "cygwin" {
		provider = supervisor.NewCygwinProvider()
	} else {
		provider = supervisor.NewNativeProvider()
	}

	sink := &consoleSink{}
	sup := supervisor.New(supervisor.Options{
		Provider:      provider,
		Logger:        logger,
		Sink:          sink,
		Grace:         time.Duration(cfg.Uploader.GraceSec) * time.Second,
		TermWait:      time.Duration(cfg.Uploader.TermWaitMs) * time.Millisecond,
		ShutdownGrace: time.Duration(cfg.Uploader.ShutdownGraceSec) * time.Second,
	})

	var cons *console.Server
	if cfg.Admin.Listen != "" {
		cons = console.New(console.Options{
			Listen:  cfg.Admin.Listen,
			Logger:  logger,
			Metrics: m,
			Journal: jnl,
			Status:  supervisorStatus{sup: sup},
		})
		if err := cons.Start(); err != nil {
			return err
		}
		sink.srv = cons
	}

	translate := func(p string) string { return p }
	if cfg.Uploader.PathTranslation == "cygwin" {
		translate = uploader.CygpathTranslator(cfg.Uploader.CygpathPath)
	}

	upl := uploader.New(uploader.Options{
		Interpreter:     cfg.Uploader.Interpreter,
		ScriptPath:      cfg.Uploader.ScriptPath,
		NakPath:         cfg.Uploader.NakPath,
		Timeout:         time.Duration(cfg.Uploader.TimeoutSec) * time.Second,
		WorkDir:         cfg.Storage.DownloadDir,
		UsePTY:          cfg.Uploader.UsePTY,
		UseFirefox:      *cfg.Cookies.UseFirefox,
		DisabledDomains: cfg.Cookies.DisableDomains,
		Cookies:         cookieWatcher,
		Translate:       translate,
		Supervisor:      sup,
		Logger:          logger,
		Metrics:         m,
	})

	bot, err := telegram.NewBot(telegram.Options{
		Token:        cfg.Telegram.BotToken,
		OwnerID:      cfg.Telegram.OwnerID,
		DownloadDir:  cfg.Storage.DownloadDir,
		PollTimeout:  cfg.Telegram.PollTimeoutSec,
		SendAttempts: cfg.Telegram.SendAttempts,
		Logger:       logger,
		Uploader:     upl,
		Journal:      jnl,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	agg := aggregator.New(aggregator.Options{
		Debounce:    time.Duration(cfg.Aggregator.DebounceMs) * time.Millisecond,
		MergeWindow: time.Duration(cfg.Aggregator.MergeWindowMs) * time.Millisecond,
		Logger:      logger,
		Resolve:     cfg.ProfileFor,
		Submit:      bot.Submit,
		Metrics:     m,
	})
	bot.SetAggregator(agg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bot.Run(ctx)

	logger.Info("mediabotd started",
		zap.String("version", Version),
		zap.Int("channels", len(cfg.Channels)))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	agg.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	sup.Shutdown(shutdownCtx)

	if cons != nil {
		_ = cons.Stop(shutdownCtx)
	}
	return nil
}
