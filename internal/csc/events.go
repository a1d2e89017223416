package csc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/api/websocket"
	"github.com/lsst-ts/mtreflector/internal/reflector"
	"github.com/lsst-ts/mtreflector/internal/sal"
	"github.com/lsst-ts/mtreflector/internal/version"
)

// recordTimeout bounds journal writes so a stuck database cannot stall
// command handling.
const recordTimeout = 5 * time.Second

// Recorder persists published events and received commands. A nil
// Recorder disables journalling; a failed write is logged and the
// triggering operation continues.
type Recorder interface {
	RecordEvent(ctx context.Context, topic string, payload interface{}) error
	RecordCommand(ctx context.Context, command string, payload interface{}, ack string, errorReport string) error
}

// Publisher fans the CSC's events out to the WebSocket hub and the
// journal. Reflector status values are written with replace semantics: a
// value equal to the last published one is dropped, so subscribers see
// exactly one event per transition.
type Publisher struct {
	hub      *websocket.Hub
	recorder Recorder
	logger   *zap.Logger

	mu         sync.Mutex
	lastStatus reflector.Status
	hasStatus  bool
}

// NewPublisher creates a publisher. hub and recorder may each be nil.
func NewPublisher(hub *websocket.Hub, recorder Recorder, logger *zap.Logger) *Publisher {
	return &Publisher{hub: hub, recorder: recorder, logger: logger}
}

func (p *Publisher) publish(msg websocket.Message) {
	if p.hub != nil {
		p.hub.Broadcast(msg)
	}
	p.record(string(msg.Type), msg.Data)
}

func (p *Publisher) record(topic string, payload interface{}) {
	if p.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := p.recorder.RecordEvent(ctx, topic, payload); err != nil {
		p.logger.Warn("Failed to journal event",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// SummaryState publishes a summary state transition.
func (p *Publisher) SummaryState(state, previous sal.State) {
	p.publish(websocket.NewSummaryStateMessage(state, previous))
}

// ReflectorStatus publishes the reflector status unless it equals the
// last published value.
func (p *Publisher) ReflectorStatus(status reflector.Status) {
	p.mu.Lock()
	if p.hasStatus && p.lastStatus == status {
		p.mu.Unlock()
		return
	}
	p.lastStatus = status
	p.hasStatus = true
	p.mu.Unlock()

	p.publish(websocket.NewReflectorStatusMessage(status))
}

// LastReflectorStatus returns the most recently published status, or
// Unknown before the first publication.
func (p *Publisher) LastReflectorStatus() reflector.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasStatus {
		return reflector.StatusUnknown
	}
	return p.lastStatus
}

// ErrorCode publishes a fault code with its report.
func (p *Publisher) ErrorCode(code int, report string) {
	p.publish(websocket.NewErrorCodeMessage(code, report))
}

// Heartbeat publishes one heartbeat. Heartbeats are not journalled.
func (p *Publisher) Heartbeat() {
	if p.hub != nil {
		p.hub.Broadcast(websocket.NewHeartbeatMessage())
	}
}

// SoftwareVersions publishes the running version.
func (p *Publisher) SoftwareVersions() {
	p.publish(websocket.NewSoftwareVersionsMessage(
		version.Version, version.GitSHA, version.BuildTime))
}

// CommandAck publishes a command acknowledgement and journals the
// command with its outcome.
func (p *Publisher) CommandAck(commandID, command, ack, errorReport string, payload interface{}) {
	if p.hub != nil {
		p.hub.Broadcast(websocket.NewCommandAckMessage(commandID, command, ack, errorReport))
	}
	if p.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := p.recorder.RecordCommand(ctx, command, payload, ack, errorReport); err != nil {
		p.logger.Warn("Failed to journal command",
			zap.String("command", command),
			zap.Error(err))
	}
}
