//go:build linux

// Command printd is the print-service daemon: a single-threaded scheduler
// supervising client connections, queued jobs, and per-job filter
// pipelines, with a localhost admin API and an optional Redis catalogue
// mirror.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/printd-dev/printd/internal/api"
	"github.com/printd-dev/printd/internal/certs"
	"github.com/printd-dev/printd/internal/clock"
	"github.com/printd-dev/printd/internal/config"
	"github.com/printd-dev/printd/internal/model"
	"github.com/printd-dev/printd/internal/scheduler"
	"github.com/printd-dev/printd/internal/service"
	"github.com/printd-dev/printd/internal/sigbridge"
	"github.com/printd-dev/printd/redis"
)

// daemonizedEnv marks the re-executed child so it skips the parent path.
const daemonizedEnv = "PRINTD_DAEMONIZED"

func main() {
	var (
		configPath = flag.String("c", "/etc/printd/printd.toml", "configuration file")
		foreground = flag.Bool("f", false, "run in the foreground")
		fgDetach   = flag.Bool("F", false, "run in the foreground, detached from the terminal")
		debug      = flag.Bool("d", false, "debug mode, verbose logging")
		lazy       = flag.Bool("L", false, "exit immediately when there is nothing to do")
	)
	flag.Parse()

	// A relative path must survive the daemon's chdir.
	if !filepath.IsAbs(*configPath) {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "printd: %v\n", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(cwd, *configPath)
	}

	daemonized := os.Getenv(daemonizedEnv) != ""

	if !*foreground && !*fgDetach && !daemonized {
		os.Exit(runParent(*configPath))
	}

	if *fgDetach || daemonized {
		_, _ = unix.Setsid()
		_ = os.Chdir("/")
	}

	os.Exit(runDaemon(*configPath, daemonized, *debug, *lazy))
}

// runParent re-executes the binary as a daemon child and waits for it to
// signal successful startup with SIGUSR1, or to die.
func runParent(configPath string) int {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGCHLD)
	signal.Ignore(syscall.SIGHUP)

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "printd: %v\n", err)
		return 1
	}

	cmd := exec.Command(self, "-c", configPath)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "printd: %v\n", err)
		return 1
	}

	for sig := range sigCh {
		if sig == syscall.SIGUSR1 {
			// Child finished initialisation.
			return 0
		}

		state, err := cmd.Process.Wait()
		if err != nil {
			fmt.Fprintf(os.Stderr, "printd: %v\n", err)
			return 1
		}
		ws := state.Sys().(syscall.WaitStatus)
		if ws.Signaled() {
			fmt.Fprintf(os.Stderr, "printd: child exited on signal %d\n", ws.Signal())
			return 3
		}
		fmt.Fprintf(os.Stderr, "printd: child exited with status %d\n", ws.ExitStatus())
		return 2
	}
	return 1
}

func runDaemon(configPath string, daemonized, debug, lazy bool) int {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	if !debug {
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("printd")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("unable to read configuration file, exiting",
			zap.String("path", configPath),
			zap.Error(err))
		return 1
	}

	if err := os.MkdirAll(cfg.SpoolDir, 0o700); err != nil {
		log.Error("unable to create spool directory", zap.Error(err))
		return 1
	}

	certStore, err := certs.NewStore(log, cfg.ServerRoot)
	if err != nil {
		log.Error("unable to initialise certificates", zap.Error(err))
		return 1
	}

	bridge, err := sigbridge.New(log, cfg.RunAsUser)
	if err != nil {
		log.Error("unable to initialise signal bridge", zap.Error(err))
		return 1
	}
	defer bridge.Close()

	catalog := model.NewCatalog(log)

	sched, err := scheduler.New(log, cfg, clock.NewSystem(), catalog, bridge, certStore, func() (*config.Config, error) {
		return config.Load(configPath)
	})
	if err != nil {
		log.Error("unable to initialise scheduler", zap.Error(err))
		return 1
	}

	if daemonized {
		_ = syscall.Kill(os.Getppid(), syscall.SIGUSR1)
	}

	if lazy && sched.SharedPrinterCount() == 0 && !sched.PendingWork() {
		log.Info("printer sharing is off and there are no jobs pending, will restart on demand, exiting")
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return sched.Run()
	})

	if cfg.AdminAddr != "" {
		srv := api.NewServer(log, cfg.AdminAddr, catalog, sched)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(cfg.RedisAddr, cfg.RedisDB, log)
		defer client.Close()

		// Drop the previous run's documents before the event stream
		// repopulates the mirror.
		if client.Probe(ctx) {
			if err := client.ResetMirror(ctx); err != nil {
				log.Warn("mirror reset failed", zap.Error(err))
			}
		}

		mirror := service.NewMirror(log,
			redis.NewPrinterRepository(log, client),
			redis.NewJobRepository(log, client))
		g.Go(func() error {
			mirror.Run(ctx, catalog.Events())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("daemon failed", zap.Error(err))
		return 1
	}
	return 0
}
