package registry

import (
	"fmt"
	"log/slog"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Board models recognized by the lab bench.
const (
	ModelUno     = "uno"
	ModelMega    = "mega"
	ModelESP32   = "esp32"
	ModelUnknown = "unknown"
)

// boardInfo describes a known USB vendor:product pairing.
type boardInfo struct {
	Model        string
	Manufacturer string
}

// knownBoards maps lowercase "vid:pid" keys to board classifications.
var knownBoards = map[string]boardInfo{
	"2341:0043": {ModelUno, "Arduino"},     // Official Arduino Uno
	"2341:0010": {ModelMega, "Arduino"},    // Official Arduino Mega
	"2341:0243": {ModelUno, "Arduino"},     // Uno R3
	"2341:0042": {ModelMega, "Arduino"},    // Mega 2560 R3
	"1a86:7523": {ModelUno, "WCH"},         // CH340 - usually Uno/Mega clones
	"1a86:55d4": {ModelESP32, "WCH"},       // CH9102 - newer ESP32 clones
	"10c4:ea60": {ModelESP32, "Silicon Labs"}, // CP2102
	"10c4:ea70": {ModelESP32, "Silicon Labs"}, // CP2105 dual UART
	"0403:6001": {ModelESP32, "FTDI"},      // FTDI - NodeMCU, etc.
	"303a:1001": {ModelESP32, "Espressif"}, // ESP32-S2 native USB
}

// Descriptor describes one attached serial device. Index is the position in
// the discovery scan that produced it and is only meaningful relative to
// that scan.
type Descriptor struct {
	Index        int    `json:"index"`
	Model        string `json:"model"`
	Port         string `json:"port"`
	Description  string `json:"description"`
	Manufacturer string `json:"manufacturer"`
	SerialNumber string `json:"serial_number"`
	VID          string `json:"vid"`
	PID          string `json:"pid"`
}

// portLister enumerates attached serial ports. Swapped out in tests.
type portLister func() ([]*enumerator.PortDetails, error)

// Registry enumerates and classifies attached serial devices. Every call to
// Discover performs a fresh hardware scan; nothing is cached.
type Registry struct {
	list   portLister
	logger *slog.Logger
}

// New creates a Registry backed by the host's USB serial enumeration.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		list:   enumerator.GetDetailedPortsList,
		logger: logger,
	}
}

// Discover re-scans attached serial ports and returns them in scan order.
func (r *Registry) Discover() []Descriptor {
	ports, err := r.list()
	if err != nil {
		r.logger.Error("Serial port enumeration failed", "error", err)
		return nil
	}

	devices := make([]Descriptor, 0, len(ports))
	for _, port := range ports {
		devices = append(devices, classify(len(devices), port))
	}

	return devices
}

// Validate reports whether index refers to a device in a fresh scan.
func (r *Registry) Validate(index int) bool {
	return index >= 0 && index < len(r.Discover())
}

// Lookup returns the descriptor at index from a fresh scan, or an error if
// the index is out of range for the current set of attached devices.
func (r *Registry) Lookup(index int) (Descriptor, error) {
	devices := r.Discover()
	if index < 0 || index >= len(devices) {
		return Descriptor{}, fmt.Errorf("device index %d out of range (have %d devices)", index, len(devices))
	}
	return devices[index], nil
}

// classify builds a Descriptor from enumerated port details, matching the
// vendor:product pair against the known board table.
func classify(index int, port *enumerator.PortDetails) Descriptor {
	desc := Descriptor{
		Index:        index,
		Model:        ModelUnknown,
		Port:         port.Name,
		Description:  port.Product,
		SerialNumber: port.SerialNumber,
	}

	if port.IsUSB {
		desc.VID = strings.ToLower(port.VID)
		desc.PID = strings.ToLower(port.PID)
		if info, ok := knownBoards[desc.VID+":"+desc.PID]; ok {
			desc.Model = info.Model
			desc.Manufacturer = info.Manufacturer
		}
	}

	return desc
}

// SupportedModels returns the board models the lab can classify and flash.
func SupportedModels() []string {
	return []string{ModelUno, ModelMega, ModelESP32}
}
