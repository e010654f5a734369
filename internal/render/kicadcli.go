// Package render drives kicad-cli to export boards and schematics as SVG.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrRender reports a failed export.
var ErrRender = errors.New("render: export failed")

// Mode selects the kicad-cli sub command.
type Mode string

const (
	ModeBoard     Mode = "pcb"
	ModeSchematic Mode = "sch"
)

const (
	svgExt           = ".svg"
	defaultWSLPath   = "/usr/bin/wslpath"
	windowsExeSuffix = ".exe"
)

// Request describes one export. Layers and FitBoard apply to boards only.
type Request struct {
	Mode      Mode
	InputPath string
	OutputDir string
	Layers    []string
	FitBoard  bool
}

// BoardSVGName returns the file kicad-cli writes for one layer of a board.
func BoardSVGName(boardFile, layer string) string {
	base := filepath.Base(boardFile)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "-" + strings.ReplaceAll(layer, ".", "_") + svgExt
}

// SchematicSVGName returns the cached name of a schematic sheet export.
func SchematicSVGName(sheetStem string) string {
	return sheetStem + svgExt
}

// KiCadCLI renders through an installed kicad-cli binary.
type KiCadCLI struct {
	bin        string
	wslpathBin string
	logger     *zap.Logger
}

// NewKiCadCLI constructs a renderer for the kicad-cli at bin.
func NewKiCadCLI(bin string, logger *zap.Logger) *KiCadCLI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KiCadCLI{bin: bin, wslpathBin: defaultWSLPath, logger: logger}
}

// Args builds the kicad-cli argument list for request with paths already in
// the form the binary expects.
func Args(request Request, inputPath, outputDir string) []string {
	args := []string{string(request.Mode), "export", "svg", "--black-and-white", "--output", outputDir}
	switch request.Mode {
	case ModeBoard:
		if request.FitBoard {
			args = append(args, "--fit-page-to-board")
		}
		args = append(args, "--mode-multi", "--layers", strings.Join(request.Layers, ","))
	case ModeSchematic:
		args = append(args, "--no-background-color")
	}
	return append(args, inputPath)
}

// Render exports request.InputPath into request.OutputDir. Schematic outputs
// are renamed so that every sheet lands at <sheet stem>.svg.
func (r *KiCadCLI) Render(ctx context.Context, request Request) error {
	if err := os.MkdirAll(request.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create render dir: %w", err)
	}

	inputPath, outputDir := request.InputPath, request.OutputDir
	if r.usesWindowsBinaryFromWSL() {
		var err error
		if inputPath, err = r.windowsPath(ctx, inputPath); err != nil {
			return err
		}
		if outputDir, err = r.windowsPath(ctx, outputDir); err != nil {
			return err
		}
	}

	args := Args(request, inputPath, outputDir)
	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, r.bin, args...)
	command.Stderr = &stderr

	started := time.Now()
	output, err := command.Output()
	if err != nil {
		r.logger.Error("kicad-cli export failed",
			zap.String("bin", r.bin),
			zap.Strings("args", args),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err))
		return fmt.Errorf("%w: %s %s: %v", ErrRender, r.bin, strings.Join(args, " "), err)
	}
	r.logger.Debug("kicad-cli export finished",
		zap.Strings("args", args),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("stdout_bytes", len(output)))

	if request.Mode == ModeSchematic {
		return r.renameSchematicOutputs(request)
	}
	return nil
}

func (r *KiCadCLI) usesWindowsBinaryFromWSL() bool {
	if !strings.HasSuffix(r.bin, windowsExeSuffix) {
		return false
	}
	_, err := os.Stat(r.wslpathBin)
	return err == nil
}

func (r *KiCadCLI) windowsPath(ctx context.Context, path string) (string, error) {
	output, err := exec.CommandContext(ctx, r.wslpathBin, "-w", path).Output()
	if err != nil {
		return "", fmt.Errorf("%w: convert %s with wslpath: %v", ErrRender, path, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// renameSchematicOutputs maps <root>.svg to itself and <root>-<sheet>.svg to
// <sheet>.svg. Other files matching the root prefix are left alone.
func (r *KiCadCLI) renameSchematicOutputs(request Request) error {
	base := filepath.Base(request.InputPath)
	rootStem := strings.TrimSuffix(base, filepath.Ext(base))

	matches, err := filepath.Glob(filepath.Join(request.OutputDir, globEscape(rootStem)+"*"+svgExt))
	if err != nil {
		return fmt.Errorf("glob schematic exports: %w", err)
	}
	r.logger.Debug("schematic exports", zap.String("dir", request.OutputDir), zap.Strings("files", matches))

	for _, match := range matches {
		name := filepath.Base(match)
		suffix := strings.TrimPrefix(name, rootStem)
		var target string
		switch {
		case suffix == svgExt:
			continue
		case strings.HasPrefix(suffix, "-"):
			target = suffix[1:]
		default:
			r.logger.Warn("unknown schematic export name", zap.String("file", name))
			continue
		}
		if err := os.Rename(match, filepath.Join(request.OutputDir, target)); err != nil {
			return fmt.Errorf("rename %s: %w", name, err)
		}
		r.logger.Debug("schematic export renamed", zap.String("from", name), zap.String("to", target))
	}
	return nil
}

func globEscape(name string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`)
	return replacer.Replace(name)
}
