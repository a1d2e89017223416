// Package csc implements the MTReflector CSC: the salobj-style summary
// state lifecycle, the command handlers that drive the reflector, and
// the event stream those produce.
package csc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/config"
	"github.com/lsst-ts/mtreflector/internal/labjack"
	"github.com/lsst-ts/mtreflector/internal/reflector"
	"github.com/lsst-ts/mtreflector/internal/sal"
)

// Fault codes published with the errorCode event.
const (
	FaultNoConfiguration  = 1
	FaultConnectionFailed = 2
	FaultOpenFailed       = 3
	FaultCloseFailed      = 4
	FaultConnectionLost   = 5
)

const heartbeatInterval = time.Second

const noConfigurationReport = "Tried to create a reflector controller without a configuration. " +
	"This is most likely a bug with the control sequence causing the configuration " +
	"step to be skipped. Try sending the CSC back to STANDBY or OFFLINE and " +
	"restarting it. You should report this issue."

// Status is the snapshot served by the status endpoint.
type Status struct {
	SummaryState    string `json:"summary_state"`
	ReflectorStatus string `json:"reflector_status"`
	Connected       bool   `json:"connected"`
	Configuration   string `json:"configuration,omitempty"`
}

// CSC drives the reflector through the salobj lifecycle. Command
// handlers run one at a time; the summary state decides whether the
// LabJack is connected, and every observable change is published.
type CSC struct {
	logger     *zap.Logger
	logLevel   zap.AtomicLevel
	publisher  *Publisher
	siteLoader *config.SiteLoader
	labjackCfg config.LabjackConfig

	// cmdMu serializes command handlers and fault handling. The
	// lifecycle fields below are only written while it is held.
	cmdMu sync.Mutex

	// mu guards reads of the lifecycle fields from outside the
	// command goroutine (status snapshots).
	mu                sync.RWMutex
	summaryState      sal.State
	controller        *reflector.Controller
	shouldBeConnected bool
	siteConfig        *config.SiteConfig
	override          string

	done     chan struct{}
	doneOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCSC creates a CSC in STANDBY. Call Start to publish the initial
// state and begin the heartbeat and connection monitor loops.
func NewCSC(logger *zap.Logger, logLevel zap.AtomicLevel, publisher *Publisher, siteLoader *config.SiteLoader, labjackCfg config.LabjackConfig) *CSC {
	if labjackCfg.CommunicationTimeout <= 0 {
		labjackCfg.CommunicationTimeout = reflector.CommunicationTimeout
	}
	if labjackCfg.ReconnectWait <= 0 {
		labjackCfg.ReconnectWait = reflector.ReconnectWait
	}
	return &CSC{
		logger:       logger,
		logLevel:     logLevel,
		publisher:    publisher,
		siteLoader:   siteLoader,
		labjackCfg:   labjackCfg,
		summaryState: sal.StateStandby,
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
	}
}

// Start publishes the startup events and starts the background loops.
func (c *CSC) Start(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.publisher.SoftwareVersions()
	c.publisher.SummaryState(c.summaryState, c.summaryState)
	c.handleSummaryState(ctx)

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.monitorLoop()

	c.logger.Info("CSC started",
		zap.String("summary_state", c.summaryState.String()))
	return nil
}

// Close disconnects the reflector and stops the background loops.
// Idempotent.
func (c *CSC) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.disconnect()
	c.logger.Info("CSC closed")
}

// Done is closed once an exitControl command completes.
func (c *CSC) Done() <-chan struct{} {
	return c.done
}

// GetStatus returns a snapshot of the CSC's observable state.
func (c *CSC) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Status{
		SummaryState:    c.summaryState.String(),
		ReflectorStatus: c.publisher.LastReflectorStatus().String(),
		Connected:       c.controller != nil && c.controller.Connected(),
		Configuration:   c.override,
	}
}

// SummaryState returns the current summary state.
func (c *CSC) SummaryState() sal.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summaryState
}

func (c *CSC) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.publisher.Heartbeat()
		}
	}
}

// monitorLoop periodically verifies that a reflector that should be
// connected still answers, and faults the CSC when it does not.
func (c *CSC) monitorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.labjackCfg.ReconnectWait)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.checkConnection()
		}
	}
}

func (c *CSC) checkConnection() {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if !c.summaryState.DisabledOrEnabled() || !c.shouldBeConnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.labjackCfg.CommunicationTimeout)
	defer cancel()

	if !c.connected() || c.controller.Probe(ctx) != nil {
		c.fault(ctx, FaultConnectionLost,
			"reflector controller should be connected but isn't.")
	}
}

func (c *CSC) connected() bool {
	return c.controller != nil && c.controller.Connected()
}

// handleSummaryState reconciles the hardware connection with the
// summary state: operational states require a live controller, all
// other states require none. Runs after every state transition with
// cmdMu held.
func (c *CSC) handleSummaryState(ctx context.Context) {
	if c.summaryState.DisabledOrEnabled() {
		if c.shouldBeConnected && !c.connected() {
			c.fault(ctx, FaultConnectionLost,
				"reflector controller should be connected but isn't.")
			return
		}
		if c.connected() {
			return
		}
		if c.siteConfig == nil {
			c.fault(ctx, FaultNoConfiguration, noConfigurationReport)
			return
		}
		if err := c.connect(ctx); err != nil {
			c.logger.Error("Failed to connect to reflector controller",
				zap.Error(err))
			// a failed connect attempt reports Unknown before the
			// fault transition reports Disconnected
			c.publisher.ReflectorStatus(reflector.StatusUnknown)
			c.fault(ctx, FaultConnectionFailed, "Failed to connect.")
		}
		return
	}

	if c.controller == nil {
		c.publisher.ReflectorStatus(reflector.StatusUnknown)
	}
	c.disconnect()
}

// connect builds the controller from the applied site configuration and
// connects within the communication timeout. The controller stays set
// on failure so the fault path can tear it down.
func (c *CSC) connect(ctx context.Context) error {
	device := labjack.NewDevice(
		c.siteConfig.DeviceType,
		c.siteConfig.Identifier,
		c.labjackCfg.CommunicationTimeout,
	)

	controller, err := reflector.NewController(
		device, c.siteConfig.OpenChannel, c.siteConfig.CloseChannel, c.logger)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.controller = controller
	c.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, c.labjackCfg.CommunicationTimeout)
	defer cancel()
	if err := controller.Connect(connectCtx); err != nil {
		return err
	}

	c.mu.Lock()
	c.shouldBeConnected = true
	c.mu.Unlock()

	c.logger.Info("Reflector controller connected",
		zap.String("identifier", c.siteConfig.Identifier))
	c.publisher.ReflectorStatus(reflector.StatusConnected)
	return nil
}

// disconnect tears the controller down. The Disconnected status is
// published even when there was nothing to disconnect, so subscribers
// always learn the terminal connection state.
func (c *CSC) disconnect() {
	if c.connected() {
		if err := c.controller.Disconnect(); err != nil {
			c.logger.Warn("Failed to disconnect reflector; continuing",
				zap.Error(err))
		}
	}

	c.mu.Lock()
	c.controller = nil
	c.shouldBeConnected = false
	c.mu.Unlock()

	c.publisher.ReflectorStatus(reflector.StatusDisconnected)
}

// fault drives the CSC to FAULT, publishes the errorCode event, and
// reconciles the connection for the new state.
func (c *CSC) fault(ctx context.Context, code int, report string) {
	c.logger.Error("CSC fault",
		zap.Int("error_code", code),
		zap.String("report", report))

	c.setSummaryState(sal.StateFault)
	c.publisher.ErrorCode(code, report)
	c.handleSummaryState(ctx)
}

func (c *CSC) setSummaryState(state sal.State) {
	c.mu.Lock()
	previous := c.summaryState
	c.summaryState = state
	c.mu.Unlock()

	c.logger.Info("Summary state changed",
		zap.String("state", state.String()),
		zap.String("previous", previous.String()))
	c.publisher.SummaryState(state, previous)
}
