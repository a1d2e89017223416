package csc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/api/websocket"
	"github.com/lsst-ts/mtreflector/internal/config"
	"github.com/lsst-ts/mtreflector/internal/labjack"
	"github.com/lsst-ts/mtreflector/internal/reflector"
	"github.com/lsst-ts/mtreflector/internal/sal"
)

type recordedEvent struct {
	topic   string
	payload interface{}
}

type recordedCommand struct {
	command string
	ack     string
	report  string
}

// eventLog is a Recorder that captures everything the publisher emits.
type eventLog struct {
	mu       sync.Mutex
	events   []recordedEvent
	commands []recordedCommand
}

func (l *eventLog) RecordEvent(ctx context.Context, topic string, payload interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{topic: topic, payload: payload})
	return nil
}

func (l *eventLog) RecordCommand(ctx context.Context, command string, payload interface{}, ack string, errorReport string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands = append(l.commands, recordedCommand{command: command, ack: ack, report: errorReport})
	return nil
}

func (l *eventLog) reflectorStatuses() []reflector.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	var statuses []reflector.Status
	for _, ev := range l.events {
		if ev.topic == string(websocket.MessageTypeReflectorStatus) {
			statuses = append(statuses, ev.payload.(websocket.ReflectorStatusData).ReflectorStatus)
		}
	}
	return statuses
}

func (l *eventLog) summaryStates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var states []string
	for _, ev := range l.events {
		if ev.topic == string(websocket.MessageTypeSummaryState) {
			states = append(states, ev.payload.(websocket.SummaryStateData).SummaryState)
		}
	}
	return states
}

func (l *eventLog) errorCodes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var codes []int
	for _, ev := range l.events {
		if ev.topic == string(websocket.MessageTypeErrorCode) {
			codes = append(codes, ev.payload.(websocket.ErrorCodeData).ErrorCode)
		}
	}
	return codes
}

func writeTestSite(t *testing.T, dir, identifier string) {
	t.Helper()

	content := fmt.Sprintf(`device_type: T4
connection_type: TCP
identifier: %q
topics:
  - topic_name: reflectorItems
    sensor_name: MTReflector
    location: MTCamera calibration screen
    channel_name: CIO0
`, identifier)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.InitConfigName), []byte(content), 0o644))
}

func startTestCSC(t *testing.T) (*CSC, *labjack.Simulator, *eventLog) {
	t.Helper()

	sim, err := labjack.StartSimulator()
	require.NoError(t, err)
	t.Cleanup(sim.Close)

	dir := t.TempDir()
	writeTestSite(t, dir, sim.Addr())

	loader, err := config.NewSiteLoader(dir)
	require.NoError(t, err)

	log := &eventLog{}
	c := NewCSC(
		zap.NewNop(),
		zap.NewAtomicLevel(),
		NewPublisher(nil, log, zap.NewNop()),
		loader,
		config.LabjackConfig{
			CommunicationTimeout: time.Second,
			// keep the connection monitor quiet during tests
			ReconnectWait: time.Hour,
		},
	)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)

	return c, sim, log
}

func do(t *testing.T, c *CSC, cmd sal.Command) {
	t.Helper()

	_, err := c.Do(context.Background(), cmd, CommandData{})
	require.NoError(t, err)
}

func enable(t *testing.T, c *CSC) {
	t.Helper()

	do(t, c, sal.CommandStart)
	do(t, c, sal.CommandEnable)
	require.Equal(t, sal.StateEnabled, c.SummaryState())
}

func countWrites(sim *labjack.Simulator, addr uint16) int {
	n := 0
	for _, w := range sim.Writes() {
		if w.Addr == addr {
			n++
		}
	}
	return n
}

func TestStartupPublishesInitialState(t *testing.T) {
	c, _, log := startTestCSC(t)

	assert.Equal(t, []string{"STANDBY"}, log.summaryStates())
	assert.Equal(t,
		[]reflector.Status{reflector.StatusUnknown, reflector.StatusDisconnected},
		log.reflectorStatuses())

	status := c.GetStatus()
	assert.Equal(t, "STANDBY", status.SummaryState)
	assert.Equal(t, "DISCONNECTED", status.ReflectorStatus)
	assert.False(t, status.Connected)
}

func TestStartEnableConnectsExactlyOnce(t *testing.T) {
	c, sim, log := startTestCSC(t)

	do(t, c, sal.CommandStart)
	require.Equal(t, sal.StateDisabled, c.SummaryState())
	assert.True(t, c.GetStatus().Connected)

	do(t, c, sal.CommandEnable)
	require.Equal(t, sal.StateEnabled, c.SummaryState())

	assert.Equal(t, []string{"STANDBY", "DISABLED", "ENABLED"}, log.summaryStates())
	assert.Equal(t, []reflector.Status{
		reflector.StatusUnknown,
		reflector.StatusDisconnected,
		reflector.StatusConnected,
	}, log.reflectorStatuses())

	// one DIO_INHIBIT write per device setup means one connect
	assert.Equal(t, 1, countWrites(sim, 2900), "enable must reuse the connection from start")
}

func TestStandbyDisconnects(t *testing.T) {
	c, _, log := startTestCSC(t)
	enable(t, c)

	do(t, c, sal.CommandDisable)
	require.Equal(t, sal.StateDisabled, c.SummaryState())
	assert.True(t, c.GetStatus().Connected, "disable keeps the connection")

	do(t, c, sal.CommandStandby)
	require.Equal(t, sal.StateStandby, c.SummaryState())
	assert.False(t, c.GetStatus().Connected)

	statuses := log.reflectorStatuses()
	assert.Equal(t, reflector.StatusDisconnected, statuses[len(statuses)-1])
}

func TestOpenCloseCommands(t *testing.T) {
	c, sim, log := startTestCSC(t)
	enable(t, c)
	sim.ClearWrites()

	do(t, c, sal.CommandOpen)

	writes := sim.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, uint16(2017), writes[0].Addr, "CIO1 released first")
	assert.Equal(t, []uint16{0}, writes[0].Values)
	assert.Equal(t, uint16(2016), writes[1].Addr, "CIO0 asserted second")
	assert.Equal(t, []uint16{1}, writes[1].Values)
	assert.Equal(t, "OPEN", c.GetStatus().ReflectorStatus)

	sim.ClearWrites()
	do(t, c, sal.CommandClose)

	writes = sim.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, uint16(2017), writes[0].Addr, "CIO1 asserted first")
	assert.Equal(t, []uint16{1}, writes[0].Values)
	assert.Equal(t, uint16(2016), writes[1].Addr, "CIO0 released second")
	assert.Equal(t, []uint16{0}, writes[1].Values)

	statuses := log.reflectorStatuses()
	assert.Equal(t, reflector.StatusClosed, statuses[len(statuses)-1])
}

func TestOpenRejectedOutsideEnabled(t *testing.T) {
	c, sim, _ := startTestCSC(t)

	_, err := c.Do(context.Background(), sal.CommandOpen, CommandData{})
	require.ErrorIs(t, err, ErrNotEnabled)
	assert.Empty(t, sim.Writes(), "rejected command must not touch the hardware")

	do(t, c, sal.CommandStart)
	sim.ClearWrites()

	_, err = c.Do(context.Background(), sal.CommandOpen, CommandData{})
	require.ErrorIs(t, err, ErrNotEnabled)
	assert.Empty(t, sim.Writes(), "open is only valid in ENABLED")
	assert.Equal(t, sal.StateDisabled, c.SummaryState())
}

func TestStartRejectsBadOverride(t *testing.T) {
	c, _, _ := startTestCSC(t)

	_, err := c.Do(context.Background(), sal.CommandStart,
		CommandData{ConfigurationOverride: "no-such-site"})
	require.Error(t, err)
	assert.Equal(t, sal.StateStandby, c.SummaryState(), "a bad configuration must leave the CSC in STANDBY")

	do(t, c, sal.CommandStart)
	assert.Equal(t, sal.StateDisabled, c.SummaryState())
}

func TestConnectFailureFaults(t *testing.T) {
	c, sim, log := startTestCSC(t)
	sim.FailReads(true)

	// the command itself completes; the CSC lands in FAULT
	do(t, c, sal.CommandStart)
	assert.Equal(t, sal.StateFault, c.SummaryState())
	assert.Contains(t, log.errorCodes(), FaultConnectionFailed)

	// a failed attempt reports Unknown, then the fault teardown
	// reports Disconnected
	assert.Equal(t, []reflector.Status{
		reflector.StatusUnknown,
		reflector.StatusDisconnected,
		reflector.StatusUnknown,
		reflector.StatusDisconnected,
	}, log.reflectorStatuses())

	// recoverable through standby
	sim.FailReads(false)
	do(t, c, sal.CommandStandby)
	require.Equal(t, sal.StateStandby, c.SummaryState())

	do(t, c, sal.CommandStart)
	assert.Equal(t, sal.StateDisabled, c.SummaryState())
	assert.True(t, c.GetStatus().Connected)
}

func TestOpenFailureFaults(t *testing.T) {
	c, sim, log := startTestCSC(t)
	enable(t, c)
	sim.FailWrites(true)

	_, err := c.Do(context.Background(), sal.CommandOpen, CommandData{})
	require.Error(t, err)

	assert.Equal(t, sal.StateFault, c.SummaryState())
	assert.Contains(t, log.errorCodes(), FaultOpenFailed)

	statuses := log.reflectorStatuses()
	assert.Equal(t, reflector.StatusDisconnected, statuses[len(statuses)-1])
	assert.False(t, c.GetStatus().Connected)
}

func TestCloseFailureFaults(t *testing.T) {
	c, sim, log := startTestCSC(t)
	enable(t, c)
	sim.FailWrites(true)

	_, err := c.Do(context.Background(), sal.CommandClose, CommandData{})
	require.Error(t, err)

	assert.Equal(t, sal.StateFault, c.SummaryState())
	assert.Contains(t, log.errorCodes(), FaultCloseFailed)
}

func TestReflectorStatusDeduplicated(t *testing.T) {
	c, _, log := startTestCSC(t)
	enable(t, c)

	do(t, c, sal.CommandOpen)
	do(t, c, sal.CommandOpen)

	open := 0
	for _, status := range log.reflectorStatuses() {
		if status == reflector.StatusOpen {
			open++
		}
	}
	assert.Equal(t, 1, open, "an unchanged status must publish exactly once")
}

func TestExitControl(t *testing.T) {
	c, _, log := startTestCSC(t)

	do(t, c, sal.CommandExitControl)
	assert.Equal(t, sal.StateOffline, c.SummaryState())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done must be closed after exitControl")
	}

	states := log.summaryStates()
	assert.Equal(t, "OFFLINE", states[len(states)-1])
}

func TestConnectionLostFaults(t *testing.T) {
	c, sim, log := startTestCSC(t)
	enable(t, c)

	sim.DropConnections()
	c.checkConnection()

	assert.Equal(t, sal.StateFault, c.SummaryState())
	assert.Contains(t, log.errorCodes(), FaultConnectionLost)
}

func TestSetLogLevel(t *testing.T) {
	sim, err := labjack.StartSimulator()
	require.NoError(t, err)
	t.Cleanup(sim.Close)

	dir := t.TempDir()
	writeTestSite(t, dir, sim.Addr())
	loader, err := config.NewSiteLoader(dir)
	require.NoError(t, err)

	level := zap.NewAtomicLevel()
	c := NewCSC(zap.NewNop(), level, NewPublisher(nil, nil, zap.NewNop()), loader, config.LabjackConfig{})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)

	_, err = c.Do(context.Background(), sal.CommandSetLogLevel, CommandData{Level: 10})
	require.NoError(t, err)
	assert.Equal(t, zap.DebugLevel, level.Level())

	_, err = c.Do(context.Background(), sal.CommandSetLogLevel, CommandData{Level: 30})
	require.NoError(t, err)
	assert.Equal(t, zap.WarnLevel, level.Level())
}

func TestCommandJournal(t *testing.T) {
	c, _, log := startTestCSC(t)

	do(t, c, sal.CommandStart)
	_, err := c.Do(context.Background(), sal.CommandStart, CommandData{})
	require.Error(t, err, "start is not allowed in DISABLED")

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.commands, 2)
	assert.Equal(t, recordedCommand{command: "start", ack: AckComplete}, log.commands[0])
	assert.Equal(t, "start", log.commands[1].command)
	assert.Equal(t, AckFailed, log.commands[1].ack)
	assert.NotEmpty(t, log.commands[1].report)
}

func TestUnknownCommandRejected(t *testing.T) {
	c, _, _ := startTestCSC(t)

	_, err := c.Do(context.Background(), sal.Command("selfDestruct"), CommandData{})
	require.Error(t, err)
	assert.Equal(t, sal.StateStandby, c.SummaryState())
}
