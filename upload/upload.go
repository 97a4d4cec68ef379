// Package upload flashes user sketches onto lab boards through the
// external Arduino toolchain. Upload and live serial reading are mutually
// exclusive: the caller's serial session is stopped before the toolchain
// touches the port, and reading is not resumed automatically.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Toolchain timeouts match the reservation system's limits.
const (
	CompileTimeout = 30 * time.Second
	UploadTimeout  = 60 * time.Second
)

// fqbns maps board models to arduino-cli fully qualified board names.
var fqbns = map[string]string{
	"uno":   "arduino:avr:uno",
	"mega":  "arduino:avr:mega",
	"esp32": "esp32:esp32:esp32",
}

// FQBN returns the fully qualified board name for a model, or "" if the
// model cannot be flashed.
func FQBN(model string) string {
	return fqbns[model]
}

// Tool is the external compile/upload toolchain. The default implementation
// shells out to arduino-cli; tests substitute fakes.
type Tool interface {
	Compile(ctx context.Context, fqbn, sketchPath string) (stdout, stderr string, err error)
	Upload(ctx context.Context, fqbn, port, sketchPath string) (stdout, stderr string, err error)
}

// Result reports a compile or compile+upload run.
type Result struct {
	Success       bool   `json:"success"`
	CompileOutput string `json:"compile_output"`
	UploadOutput  string `json:"upload_output"`
	Error         string `json:"error,omitempty"`
}

// Uploader stages sketches in a scratch directory and drives the toolchain.
type Uploader struct {
	tool    Tool
	dataDir string
	logger  *slog.Logger
}

// New creates an Uploader using the real arduino-cli toolchain.
func New(dataDir string, logger *slog.Logger) *Uploader {
	return NewWithTool(arduinoCLI{}, dataDir, logger)
}

// NewWithTool creates an Uploader with an explicit toolchain.
func NewWithTool(tool Tool, dataDir string, logger *slog.Logger) *Uploader {
	return &Uploader{tool: tool, dataDir: dataDir, logger: logger}
}

// Compile checks whether code builds for the given board model.
func (u *Uploader) Compile(ctx context.Context, code, model, projectID string) Result {
	fqbn := FQBN(model)
	if fqbn == "" {
		return Result{Error: fmt.Sprintf("unsupported board model: %s", model)}
	}

	sketchPath, cleanup, err := u.stageSketch(code, projectID)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, CompileTimeout)
	defer cancel()

	stdout, stderr, err := u.tool.Compile(ctx, fqbn, sketchPath)
	if err != nil {
		u.logger.Warn("Sketch compilation failed", "model", model, "project", projectID, "error", err)
		return Result{CompileOutput: stdout, Error: firstNonEmpty(stderr, err.Error())}
	}

	return Result{Success: true, CompileOutput: stdout}
}

// Flash compiles the sketch and uploads it to the device port. The caller
// must already have stopped any serial session holding the port.
func (u *Uploader) Flash(ctx context.Context, code, model, port, projectID string) Result {
	fqbn := FQBN(model)
	if fqbn == "" {
		return Result{Error: fmt.Sprintf("unsupported board model: %s", model)}
	}

	sketchPath, cleanup, err := u.stageSketch(code, projectID)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer cleanup()

	compileCtx, cancelCompile := context.WithTimeout(ctx, CompileTimeout)
	defer cancelCompile()

	compileOut, compileErr, err := u.tool.Compile(compileCtx, fqbn, sketchPath)
	if err != nil {
		u.logger.Warn("Compilation failed before upload", "model", model, "project", projectID, "error", err)
		return Result{CompileOutput: compileOut, Error: firstNonEmpty(compileErr, "compilation failed")}
	}

	uploadCtx, cancelUpload := context.WithTimeout(ctx, UploadTimeout)
	defer cancelUpload()

	uploadOut, uploadErr, err := u.tool.Upload(uploadCtx, fqbn, port, sketchPath)
	if err != nil {
		u.logger.Warn("Upload failed", "model", model, "port", port, "project", projectID, "error", err)
		return Result{CompileOutput: compileOut, UploadOutput: uploadErr, Error: "upload failed"}
	}

	u.logger.Info("Sketch uploaded", "model", model, "port", port, "project", projectID)
	return Result{Success: true, CompileOutput: compileOut, UploadOutput: uploadOut}
}

// stageSketch writes code to <dataDir>/<projectID>/<projectID>.ino and
// returns the sketch path plus a cleanup func removing the project dir.
func (u *Uploader) stageSketch(code, projectID string) (string, func(), error) {
	projectDir := filepath.Join(u.dataDir, projectID)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	sketchPath := filepath.Join(projectDir, projectID+".ino")
	if err := os.WriteFile(sketchPath, []byte(code), 0o644); err != nil {
		os.RemoveAll(projectDir)
		return "", nil, fmt.Errorf("failed to write sketch: %w", err)
	}

	cleanup := func() {
		if err := os.RemoveAll(projectDir); err != nil {
			u.logger.Warn("Failed to clean up project directory", "dir", projectDir, "error", err)
		}
	}
	return sketchPath, cleanup, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// arduinoCLI runs the arduino-cli binary from PATH.
type arduinoCLI struct{}

func (arduinoCLI) Compile(ctx context.Context, fqbn, sketchPath string) (string, string, error) {
	return runCLI(ctx, "compile", "--fqbn", fqbn, sketchPath)
}

func (arduinoCLI) Upload(ctx context.Context, fqbn, port, sketchPath string) (string, string, error) {
	return runCLI(ctx, "upload", "-p", port, "--fqbn", fqbn, sketchPath)
}

func runCLI(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "arduino-cli", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
