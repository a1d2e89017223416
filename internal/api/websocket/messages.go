package websocket

import (
	"time"

	"github.com/lsst-ts/mtreflector/internal/reflector"
	"github.com/lsst-ts/mtreflector/internal/sal"
)

// MessageType defines the event topic a WebSocket message belongs to.
type MessageType string

const (
	// CSC lifecycle events
	MessageTypeSummaryState     MessageType = "summaryState"
	MessageTypeErrorCode        MessageType = "errorCode"
	MessageTypeHeartbeat        MessageType = "heartbeat"
	MessageTypeSoftwareVersions MessageType = "softwareVersions"

	// Device events
	MessageTypeReflectorStatus MessageType = "reflectorStatus"

	// Command acknowledgements
	MessageTypeCommandAck MessageType = "commandAck"
)

// Message represents a WebSocket event message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// SummaryStateData reports a lifecycle transition
type SummaryStateData struct {
	SummaryState string `json:"summaryState"`
	Previous     string `json:"previousState,omitempty"`
}

// ReflectorStatusData reports the reflector connection/position status
type ReflectorStatusData struct {
	ReflectorStatus reflector.Status `json:"reflectorStatus"`
}

// ErrorCodeData reports a fault
type ErrorCodeData struct {
	ErrorCode   int    `json:"errorCode"`
	ErrorReport string `json:"errorReport"`
}

// SoftwareVersionsData reports build identity at startup
type SoftwareVersionsData struct {
	CscVersion string `json:"cscVersion"`
	GitSHA     string `json:"gitSHA"`
	BuildTime  string `json:"buildTime"`
}

// CommandAckData reports the outcome of a received command
type CommandAckData struct {
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
	Ack       string `json:"ack"`
	Error     string `json:"error,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Helper functions for creating specific message types

func NewSummaryStateMessage(state, previous sal.State) Message {
	return NewMessage(MessageTypeSummaryState, SummaryStateData{
		SummaryState: state.String(),
		Previous:     previous.String(),
	})
}

func NewReflectorStatusMessage(status reflector.Status) Message {
	return NewMessage(MessageTypeReflectorStatus, ReflectorStatusData{
		ReflectorStatus: status,
	})
}

func NewHeartbeatMessage() Message {
	return NewMessage(MessageTypeHeartbeat, nil)
}

func NewErrorCodeMessage(code int, report string) Message {
	return NewMessage(MessageTypeErrorCode, ErrorCodeData{
		ErrorCode:   code,
		ErrorReport: report,
	})
}

func NewSoftwareVersionsMessage(version, gitSHA, buildTime string) Message {
	return NewMessage(MessageTypeSoftwareVersions, SoftwareVersionsData{
		CscVersion: version,
		GitSHA:     gitSHA,
		BuildTime:  buildTime,
	})
}

func NewCommandAckMessage(commandID, command, ack, errMsg string) Message {
	return NewMessage(MessageTypeCommandAck, CommandAckData{
		CommandID: commandID,
		Command:   command,
		Ack:       ack,
		Error:     errMsg,
	})
}
