package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"devicelab/auth"
	"devicelab/booking"
	"devicelab/registry"
	"devicelab/upload"
)

// listDevices returns a fresh discovery scan.
func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.registry.Discover()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"devices":          devices,
		"count":            len(devices),
		"supported_models": registry.SupportedModels(),
	})
}

// compileRequest is the body of POST /api/devices/compile.
type compileRequest struct {
	Code string `json:"code"`
}

// compileSketch checks whether a sketch builds for any supported board.
func (h *Handler) compileSketch(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "code is required",
		})
		return
	}

	projectID := uuid.NewString()
	results := make(map[string]upload.Result)
	anySuccess := false

	for _, model := range registry.SupportedModels() {
		result := h.uploader.Compile(r.Context(), req.Code, model, projectID+"_"+model)
		results[model] = result
		if result.Success {
			anySuccess = true
			break
		}
	}

	message := "Code compilation failed"
	if anySuccess {
		message = "Code compiled successfully"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         anySuccess,
		"compile_results": results,
		"message":         message,
		"project_id":      projectID,
	})
}

// uploadRequest is the body of POST /api/devices/{n}/upload. Upload keeps
// the legacy credential pair; the frontend re-prompts before flashing.
type uploadRequest struct {
	Code     string `json:"code"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// uploadSketch flashes a sketch onto a device. The device's serial session
// is stopped first (the toolchain needs exclusive port access) and is not
// resumed; the next live-tail subscription restarts it.
func (h *Handler) uploadSketch(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "deviceNumber"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "invalid device number",
		})
		return
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "code is required",
		})
		return
	}

	identity := h.auth.Verify(r.Context(), auth.Credentials{Email: req.Email, Password: req.Password})
	if identity == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"message": "Invalid credentials",
		})
		return
	}

	slot := booking.CurrentSlot(h.now())
	booked, err := h.bookings.IsBookedAt(r.Context(), identity, slot)
	if err != nil || !booked {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"success": false,
			"message": "You must have booked the current time slot (" + booking.SlotWindow(slot) + ") to upload code",
		})
		return
	}

	devices := h.registry.Discover()
	if index < 0 || index >= len(devices) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "Device " + strconv.Itoa(index) + " not found or invalid",
		})
		return
	}
	device := devices[index]

	if upload.FQBN(device.Model) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "Unsupported device model '" + device.Model + "'",
		})
		return
	}

	// Only one process can hold the port: retire the reader and drop its
	// stale output before handing the port to the toolchain.
	h.sessions.Stop(index)
	h.sessions.ResetOutput(index)

	projectID := uuid.NewString()
	result := h.uploader.Flash(r.Context(), req.Code, device.Model, device.Port, projectID)

	h.logger.Info("Upload finished",
		"device", index, "model", device.Model, "identity", identity,
		"success", result.Success, "project", projectID)

	status := http.StatusOK
	message := "Code uploaded successfully to " + device.Model + " on " + device.Port
	if !result.Success {
		message = result.Error
	}

	writeJSON(w, status, map[string]interface{}{
		"success":        result.Success,
		"message":        message,
		"device":         device,
		"compile_output": result.CompileOutput,
		"upload_output":  result.UploadOutput,
		"project_id":     projectID,
	})
}
