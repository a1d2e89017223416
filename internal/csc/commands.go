package csc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lsst-ts/mtreflector/internal/labjack"
	"github.com/lsst-ts/mtreflector/internal/sal"
)

// Command acknowledgement values.
const (
	AckComplete = "complete"
	AckFailed   = "failed"
)

// ErrNotEnabled rejects device commands outside the ENABLED state.
var ErrNotEnabled = errors.New("command only allowed in ENABLED")

// CommandData carries the optional command parameters.
type CommandData struct {
	// ConfigurationOverride names a site configuration file applied by
	// the start command.
	ConfigurationOverride string `json:"configuration_override,omitempty"`

	// Level is the log level for setLogLevel on the upstream logging
	// scale: 10 debug, 20 info, 30 warning, 40 error.
	Level int `json:"level,omitempty"`
}

// Do runs one command to completion and publishes its acknowledgement.
// Commands are serialized: a second command waits until the first
// finishes. The returned command id identifies the acknowledgement.
func (c *CSC) Do(ctx context.Context, cmd sal.Command, data CommandData) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	commandID := uuid.NewString()
	c.logger.Info("Command received",
		zap.String("command", string(cmd)),
		zap.String("command_id", commandID),
		zap.String("summary_state", c.summaryState.String()))

	err := c.dispatch(ctx, cmd, data)
	if err != nil {
		c.logger.Warn("Command rejected",
			zap.String("command", string(cmd)),
			zap.String("command_id", commandID),
			zap.Error(err))
		c.publisher.CommandAck(commandID, string(cmd), AckFailed, err.Error(), data)
		return commandID, err
	}

	c.publisher.CommandAck(commandID, string(cmd), AckComplete, "", data)
	return commandID, nil
}

func (c *CSC) dispatch(ctx context.Context, cmd sal.Command, data CommandData) error {
	switch cmd {
	case sal.CommandStart:
		return c.doStart(ctx, data.ConfigurationOverride)
	case sal.CommandEnable, sal.CommandDisable, sal.CommandStandby, sal.CommandExitControl:
		return c.doTransition(ctx, cmd)
	case sal.CommandOpen:
		return c.doOpen(ctx)
	case sal.CommandClose:
		return c.doClose(ctx)
	case sal.CommandSetLogLevel:
		return c.doSetLogLevel(data.Level)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// doStart applies the site configuration named by the override and
// transitions to DISABLED. A configuration that fails to load or
// validate rejects the command and leaves the CSC in STANDBY.
func (c *CSC) doStart(ctx context.Context, override string) error {
	next, err := sal.NextState(sal.CommandStart, c.summaryState)
	if err != nil {
		return err
	}

	siteConfig, err := c.siteLoader.Load(override)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	c.mu.Lock()
	c.siteConfig = siteConfig
	c.override = override
	c.mu.Unlock()

	c.logger.Info("Configuration applied",
		zap.String("override", override),
		zap.String("identifier", siteConfig.Identifier))

	c.setSummaryState(next)
	c.handleSummaryState(ctx)
	return nil
}

func (c *CSC) doTransition(ctx context.Context, cmd sal.Command) error {
	next, err := sal.NextState(cmd, c.summaryState)
	if err != nil {
		return err
	}

	c.setSummaryState(next)
	c.handleSummaryState(ctx)

	if cmd == sal.CommandExitControl {
		c.doneOnce.Do(func() { close(c.done) })
	}
	return nil
}

// doOpen drives the reflector open. Only valid in ENABLED; an actuation
// failure faults the CSC and fails the command.
func (c *CSC) doOpen(ctx context.Context) error {
	if err := c.assertEnabled(); err != nil {
		return err
	}
	if c.controller == nil {
		return labjack.ErrNotConnected
	}

	if err := c.controller.Open(ctx); err != nil {
		c.fault(ctx, FaultOpenFailed, "Open failed.")
		return fmt.Errorf("open failed: %w", err)
	}

	c.publisher.ReflectorStatus(c.controller.State())
	return nil
}

// doClose mirrors doOpen for the closed position.
func (c *CSC) doClose(ctx context.Context) error {
	if err := c.assertEnabled(); err != nil {
		return err
	}
	if c.controller == nil {
		return labjack.ErrNotConnected
	}

	if err := c.controller.Close(ctx); err != nil {
		c.fault(ctx, FaultCloseFailed, "Close failed.")
		return fmt.Errorf("close failed: %w", err)
	}

	c.publisher.ReflectorStatus(c.controller.State())
	return nil
}

func (c *CSC) doSetLogLevel(level int) error {
	c.logLevel.SetLevel(zapLevel(level))
	c.logger.Info("Log level set", zap.Int("level", level))
	return nil
}

func (c *CSC) assertEnabled() error {
	if c.summaryState != sal.StateEnabled {
		return fmt.Errorf("%w, current state is %s", ErrNotEnabled, c.summaryState)
	}
	return nil
}

func zapLevel(level int) zapcore.Level {
	switch {
	case level <= 10:
		return zapcore.DebugLevel
	case level <= 20:
		return zapcore.InfoLevel
	case level <= 30:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
