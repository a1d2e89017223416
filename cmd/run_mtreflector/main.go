package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/auth"
	"github.com/lsst-ts/mtreflector/internal/config"
	"github.com/lsst-ts/mtreflector/internal/csc"
	"github.com/lsst-ts/mtreflector/internal/labjack"
	"github.com/lsst-ts/mtreflector/internal/sal"
	"github.com/lsst-ts/mtreflector/internal/system"
	"github.com/lsst-ts/mtreflector/internal/version"
)

const (
	flagConfig        = "config"
	flagSiteConfigDir = "site-config-dir"
	flagHTTPPort      = "http-port"
	flagInitialState  = "initial-state"
	flagOverride      = "override"
	flagSimulate      = "simulate"
	flagLogLevel      = "log-level"
	flagLogDev        = "log-dev"
)

func main() {
	app := cli.NewApp()
	app.Name = "run_mtreflector"
	app.Usage = "MTReflector CSC: operates the calibration screen reflector"
	app.Version = version.Version
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Value:   "configs/config.yaml",
			Usage:   "server configuration file",
			EnvVars: []string{"MTR_CONFIG"},
		},
		&cli.StringFlag{
			Name:  flagSiteConfigDir,
			Usage: "site configuration directory (overrides the config file)",
		},
		&cli.IntFlag{
			Name:  flagHTTPPort,
			Usage: "HTTP port (overrides the config file)",
		},
		&cli.StringFlag{
			Name:  flagInitialState,
			Value: "standby",
			Usage: "lifecycle state to bring the CSC to at startup: standby, disabled or enabled",
		},
		&cli.StringFlag{
			Name:  flagOverride,
			Usage: "site configuration override applied by the start command",
		},
		&cli.BoolFlag{
			Name:  flagSimulate,
			Usage: "run against an in-process LabJack simulator",
		},
		&cli.StringFlag{
			Name:  flagLogLevel,
			Value: "info",
			Usage: "log level: debug, info, warn or error",
		},
		&cli.BoolFlag{
			Name:  flagLogDev,
			Usage: "human-readable console logging instead of JSON",
		},
	}
	app.Action = run
	app.Commands = []*cli.Command{
		{
			Name:      "hash-password",
			Usage:     "Hash an operator password for the auth config",
			ArgsUsage: "[password]",
			Action:    hashPassword,
		},
		{
			Name:   "new-service-token",
			Usage:  "Generate a service token and the hash that goes into the config",
			Action: newServiceToken,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	level, err := zap.ParseAtomicLevel(cCtx.String(flagLogLevel))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cCtx.String(flagLogLevel), err)
	}

	logCfg := zap.NewProductionConfig()
	if cCtx.Bool(flagLogDev) {
		logCfg = zap.NewDevelopmentConfig()
	}
	logCfg.Level = level
	logger, err := logCfg.Build()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	initialState := strings.ToLower(cCtx.String(flagInitialState))
	switch initialState {
	case "standby", "disabled", "enabled":
	default:
		return fmt.Errorf("invalid initial state %q: use standby, disabled or enabled", initialState)
	}

	cfgPath := cCtx.String(flagConfig)
	if !cCtx.IsSet(flagConfig) {
		// the default path is optional; an explicitly given path must exist
		if _, err := os.Stat(cfgPath); err != nil {
			cfgPath = ""
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cCtx.IsSet(flagSiteConfigDir) {
		cfg.SiteConfigDir = cCtx.String(flagSiteConfigDir)
	}
	if cCtx.IsSet(flagHTTPPort) {
		cfg.Server.HTTPPort = cCtx.Int(flagHTTPPort)
	}

	if cCtx.Bool(flagSimulate) {
		sim, err := labjack.StartSimulator()
		if err != nil {
			return fmt.Errorf("failed to start simulator: %w", err)
		}
		defer sim.Close()

		dir, err := writeSimulatedSite(sim.Addr())
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		cfg.SiteConfigDir = dir
		logger.Info("Simulation mode", zap.String("labjack_addr", sim.Addr()))
	}

	ctx := cCtx.Context

	sys, err := system.NewSystem(ctx, cfg, logger, level)
	if err != nil {
		return err
	}

	if err := sys.Start(ctx); err != nil {
		return err
	}

	walkToInitialState(ctx, sys, logger, initialState, cCtx.String(flagOverride))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-sys.Done():
		logger.Info("CSC left its lifecycle via exitControl")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := sys.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}

	logger.Info("MTReflector stopped")
	return nil
}

// walkToInitialState replays the lifecycle commands that bring a freshly
// started CSC from STANDBY to the requested state. A failed transition
// leaves the CSC where it is; the operator recovers over the API.
func walkToInitialState(ctx context.Context, sys *system.System, logger *zap.Logger, state, override string) {
	if state == "standby" {
		return
	}

	commands := []sal.Command{sal.CommandStart}
	if state == "enabled" {
		commands = append(commands, sal.CommandEnable)
	}

	for _, cmd := range commands {
		data := csc.CommandData{}
		if cmd == sal.CommandStart {
			data.ConfigurationOverride = override
		}

		if _, err := sys.CSC().Do(ctx, cmd, data); err != nil {
			logger.Error("Initial state transition failed",
				zap.String("command", string(cmd)),
				zap.Error(err))
			return
		}
	}
}

// writeSimulatedSite builds a throwaway site directory pointing the CSC
// at the in-process simulator.
func writeSimulatedSite(addr string) (string, error) {
	dir, err := os.MkdirTemp("", "mtreflector-site-")
	if err != nil {
		return "", fmt.Errorf("failed to create site dir: %w", err)
	}

	content := fmt.Sprintf(`device_type: T4
connection_type: TCP
identifier: %q
topics:
  - topic_name: reflectorItems
    sensor_name: MTReflector
    location: MTCamera calibration screen
    channel_name: CIO0
`, addr)

	if err := os.WriteFile(filepath.Join(dir, config.InitConfigName), []byte(content), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write site config: %w", err)
	}

	return dir, nil
}

func hashPassword(cCtx *cli.Context) error {
	password := cCtx.Args().First()
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	hasher := auth.NewHasher(auth.DefaultParams())
	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}

	fmt.Println(hash)
	return nil
}

func newServiceToken(cCtx *cli.Context) error {
	token, hash, err := auth.GenerateServiceToken()
	if err != nil {
		return err
	}

	fmt.Printf("token:      %s\n", token)
	fmt.Printf("token_hash: %s\n", hash)
	fmt.Println()
	fmt.Println("Store only the hash in the server config; the token itself is shown once.")
	return nil
}
