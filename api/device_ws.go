package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"devicelab/auth"
	"devicelab/booking"
)

var upgrader = websocket.Upgrader{
	// The booking frontend is served from another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// deviceWebSocket is the live-tail subscription endpoint. Per connection:
// validate the device index, read exactly one handshake message, resolve
// identity, check current-slot ownership, then wire the connection into the
// broadcast gateway and push until the client goes away. Any failure sends
// a typed error and closes.
func (h *Handler) deviceWebSocket(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "deviceNumber"))
	if err != nil {
		http.Error(w, "invalid device number", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "device", index, "error", err)
		return
	}
	defer conn.Close()

	client := newWSClient(conn)

	// Fresh scan; no authentication is attempted for an invalid index.
	devices := h.registry.Discover()
	if index < 0 || index >= len(devices) {
		client.SendJSON(errorMessage("Device %d not found or invalid", index))
		return
	}
	device := devices[index]

	// Exactly one handshake message, carrying a token or a legacy pair.
	_, raw, err := conn.ReadMessage()
	if err != nil {
		h.logger.Info("Client disconnected before handshake", "device", index)
		return
	}

	var creds auth.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		client.SendJSON(errorMessage("Invalid JSON in authentication message"))
		return
	}

	identity := h.auth.Verify(r.Context(), creds)
	if identity == "" {
		client.SendJSON(errorMessage("Authentication failed"))
		return
	}

	slot := booking.CurrentSlot(h.now())
	booked, err := h.bookings.IsBookedAt(r.Context(), identity, slot)
	if err != nil || !booked {
		client.SendJSON(errorMessage(
			"You must have booked the current time slot (%s) to access device %d",
			booking.SlotWindow(slot), index))
		return
	}

	// Ensure a reader session is running; the first subscriber after an
	// upload (or a fresh boot) triggers the start. The session manager
	// serializes racing subscribers, so the gateway bridge below is
	// registered exactly once per session start.
	if !h.sessions.EnsureStarted(index, device.Port, h.baudRate, func(output string) {
		h.gateway.Publish(index, serialOutputBytes(index, output, h.now()))
	}) {
		client.SendJSON(errorMessage("Failed to start reading from device %d", index))
		return
	}

	h.gateway.Subscribe(index, client)
	defer h.gateway.Unsubscribe(index, client)

	// Current buffer snapshot first, then the confirmation.
	if err := client.Send(serialOutputBytes(index, h.sessions.Output(index), h.now())); err != nil {
		return
	}
	if err := client.SendJSON(establishedMessage(device)); err != nil {
		return
	}

	h.logger.Info("Subscriber authorized", "device", index, "identity", identity)

	// Push-only from here: drain (and discard) client frames until the
	// transport reports disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Info("Client disconnected", "device", index, "identity", identity)
			return
		}
	}
}
