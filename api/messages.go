package api

import (
	"encoding/json"
	"fmt"
	"time"

	"devicelab/registry"
)

// Server→client message types pushed over the device WebSocket.
const (
	MessageTypeError        = "error"
	MessageTypeEstablished  = "connection_established"
	MessageTypeSerialOutput = "serial_output"
)

// ErrorMessage is sent before closing a connection that failed validation,
// authentication, or authorization.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EstablishedMessage confirms a successful subscription.
type EstablishedMessage struct {
	Type         string              `json:"type"`
	DeviceNumber int                 `json:"device_number"`
	DeviceInfo   registry.Descriptor `json:"device_info"`
	Message      string              `json:"message"`
}

// SerialOutputMessage carries a device's trailing output buffer snapshot.
type SerialOutputMessage struct {
	Type         string `json:"type"`
	DeviceNumber int    `json:"device_number"`
	Output       string `json:"output"`
	Timestamp    string `json:"timestamp"`
}

func errorMessage(format string, args ...interface{}) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, Message: fmt.Sprintf(format, args...)}
}

func establishedMessage(desc registry.Descriptor) EstablishedMessage {
	return EstablishedMessage{
		Type:         MessageTypeEstablished,
		DeviceNumber: desc.Index,
		DeviceInfo:   desc,
		Message:      fmt.Sprintf("Connected to device %d (%s on %s)", desc.Index, desc.Model, desc.Port),
	}
}

// serialOutputBytes marshals a serial_output message; marshal failure
// cannot happen for these field types.
func serialOutputBytes(index int, output string, at time.Time) []byte {
	data, _ := json.Marshal(SerialOutputMessage{
		Type:         MessageTypeSerialOutput,
		DeviceNumber: index,
		Output:       output,
		Timestamp:    at.Format(time.RFC3339),
	})
	return data
}
