// Package diff turns a (base, target, object) request into an overlaid SVG
// and the data behind the comparison page.
package diff

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/history"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/journal"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/logging"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/metrics"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/project"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/render"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/schematic"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/version"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound reports an object that is neither a configured layer of the
	// board nor a sheet of the schematic.
	ErrNotFound = errors.New("diff: object not found")
	// ErrRender reports a missing or unusable rendering.
	ErrRender = errors.New("diff: render failed")

	errMissingWorkspace = errors.New("workspace is required")
	errMissingFiles     = errors.New("file store is required")
	errMissingRenderer  = errors.New("renderer is required")
	errMissingOverlayer = errors.New("overlayer is required")
	errMissingDesign    = errors.New("project has neither a board nor a schematic")
)

const (
	SVGContentType = "image/svg+xml"

	overlayIDAttribute = ` id="overlayed_svg"`
	svgTagOpen         = "<svg"
	fitBoardDir        = "fit_board"
	noFitBoardDir      = "nofit_board"
	sourceDir          = "src"
	stagingPattern     = ".render-*"
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew         = "diff.new"
	opRenderImage = "diff.render_image"
	opDiffPage    = "diff.diff_page"
	opObjects     = "diff.objects"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// FileStore materializes a project file as of a version.
type FileStore interface {
	Extract(ctx context.Context, v version.Version, name, dst string) error
}

// Renderer exports a board or schematic to SVG files.
type Renderer interface {
	Render(ctx context.Context, request render.Request) error
}

// Overlayer superimposes two SVG documents.
type Overlayer interface {
	Overlay(bottom, top string, onlySVGTag bool) (string, error)
}

type HistoryReader interface {
	ReadHistory(ctx context.Context) ([]history.Commit, error)
}

type SnapshotLister interface {
	List() ([]string, error)
}

type Journal interface {
	Record(ctx context.Context, entry journal.Entry) error
}

// VersionDirs maps versions onto their extraction directories.
type VersionDirs interface {
	VersionDir(v version.Version) string
}

type Config struct {
	Project   project.Project
	Layers    []string
	Workspace VersionDirs
	Files     FileStore
	Renderer  Renderer
	Overlayer Overlayer
	// History and Snapshots feed the version picker; either may be nil.
	History   HistoryReader
	Snapshots SnapshotLister
	Journal   Journal
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Options are per-request rendering switches.
type Options struct {
	FitBoard bool
}

type Image struct {
	ContentType string
	Body        []byte
}

// Page is everything the comparison page shows.
type Page struct {
	Base      version.Version
	Target    version.Version
	Object    string
	Mode      render.Mode
	Objects   []string
	Commits   []history.Commit
	Snapshots []string
	FitBoard  bool
}

type Orchestrator struct {
	project   project.Project
	layers    []string
	workspace VersionDirs
	files     FileStore
	renderer  Renderer
	overlayer Overlayer
	history   HistoryReader
	snapshots SnapshotLister
	journal   Journal
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Workspace == nil:
		return nil, newServiceError(opNew, "missing_workspace", errMissingWorkspace)
	case cfg.Files == nil:
		return nil, newServiceError(opNew, "missing_file_store", errMissingFiles)
	case cfg.Renderer == nil:
		return nil, newServiceError(opNew, "missing_renderer", errMissingRenderer)
	case cfg.Overlayer == nil:
		return nil, newServiceError(opNew, "missing_overlayer", errMissingOverlayer)
	case !cfg.Project.HasBoard() && !cfg.Project.HasSchematic():
		return nil, newServiceError(opNew, "missing_design", errMissingDesign)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		project:   cfg.Project,
		layers:    slices.Clone(cfg.Layers),
		workspace: cfg.Workspace,
		files:     cfg.Files,
		renderer:  cfg.Renderer,
		overlayer: cfg.Overlayer,
		history:   cfg.History,
		snapshots: cfg.Snapshots,
		journal:   cfg.Journal,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// DefaultObject is the object the landing page opens: the first layer when
// the project has a board, else the root schematic.
func (o *Orchestrator) DefaultObject() string {
	if o.project.HasBoard() && len(o.layers) > 0 {
		return o.layers[0]
	}
	return o.project.SchematicStem()
}

// Objects lists the selectable objects: configured layers when the project
// has a board, then the sheet stems of the working-copy schematic followed by
// the root schematic stem.
func (o *Orchestrator) Objects() ([]string, error) {
	objects := []string{}
	if o.project.HasBoard() {
		objects = append(objects, o.layers...)
	}
	if o.project.HasSchematic() {
		sheets, err := schematic.SheetsRecursive(o.project.SchematicPath)
		if err != nil {
			return nil, newServiceError(opObjects, "sheet_resolution_failed", err)
		}
		for _, sheet := range sheets {
			objects = append(objects, sheet.Stem())
		}
		objects = append(objects, o.project.SchematicStem())
	}
	return objects, nil
}

func (o *Orchestrator) classify(object string) (render.Mode, error) {
	if o.project.HasBoard() && slices.Contains(o.layers, object) {
		return render.ModeBoard, nil
	}
	if o.project.HasSchematic() {
		objects, err := o.Objects()
		if err != nil {
			return "", err
		}
		if slices.Contains(objects[o.boardObjectCount():], object) {
			return render.ModeSchematic, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, object)
}

func (o *Orchestrator) boardObjectCount() int {
	if o.project.HasBoard() {
		return len(o.layers)
	}
	return 0
}

// RenderImage produces the overlay of object as of base (bottom, red) and
// target (top, cyan).
func (o *Orchestrator) RenderImage(ctx context.Context, base, target version.Version, object string, opts Options) (Image, error) {
	logger := logging.FromContext(ctx, o.logger)

	mode, err := o.classify(object)
	if err != nil {
		return Image{}, o.fail(logger, opRenderImage, "unknown_object", err)
	}

	// Client disconnects must not abort extraction or an external render.
	work := context.WithoutCancel(ctx)

	sides := []*side{
		{version: base, dir: o.workspace.VersionDir(base)},
		{version: target, dir: o.workspace.VersionDir(target)},
	}
	logger.Debug("render image",
		zap.String("object", object),
		zap.String("mode", string(mode)),
		zap.String("base", base.String()),
		zap.String("target", target.String()),
		zap.Bool("fit_board", opts.FitBoard))

	group, groupCtx := errgroup.WithContext(work)
	for _, current := range sides {
		group.Go(func() error {
			return o.extractSide(groupCtx, mode, current)
		})
	}
	if err := group.Wait(); err != nil {
		return Image{}, o.fail(logger, opRenderImage, "extract_failed", err)
	}

	for _, current := range sides {
		if err := o.renderSide(work, logger, mode, object, opts, current); err != nil {
			return Image{}, o.fail(logger, opRenderImage, "render_failed", err)
		}
	}

	bottom, err := os.ReadFile(sides[0].svgPath)
	if err != nil {
		return Image{}, o.fail(logger, opRenderImage, "read_failed", fmt.Errorf("%w: %v", ErrRender, err))
	}
	top, err := os.ReadFile(sides[1].svgPath)
	if err != nil {
		return Image{}, o.fail(logger, opRenderImage, "read_failed", fmt.Errorf("%w: %v", ErrRender, err))
	}

	overlaid, err := o.overlayer.Overlay(string(bottom), string(top), false)
	if err != nil {
		return Image{}, o.fail(logger, opRenderImage, "overlay_failed", fmt.Errorf("%w: %v", ErrRender, err))
	}
	body, err := injectOverlayID(overlaid)
	if err != nil {
		return Image{}, o.fail(logger, opRenderImage, "overlay_failed", err)
	}
	return Image{ContentType: SVGContentType, Body: []byte(body)}, nil
}

type side struct {
	version version.Version
	dir     string
	input   string
	svgPath string
}

func (o *Orchestrator) extractSide(ctx context.Context, mode render.Mode, current *side) error {
	name := o.project.BoardName()
	if mode == render.ModeSchematic {
		name = o.project.SchematicName()
	}
	sources := filepath.Join(current.dir, sourceDir)
	root := sourceRoot(sources, o.project.Dir)
	current.input = filepath.Join(root, name)
	if err := o.files.Extract(ctx, current.version, name, current.input); err != nil {
		return err
	}
	if mode != render.ModeSchematic {
		return nil
	}
	// Sub-sheets must keep their position relative to the root or their
	// exports come out empty; ../ references stay inside this version's tree.
	_, err := schematic.Walk(current.input, func(relFile string) error {
		dst := filepath.Join(root, relFile)
		if !within(sources, dst) {
			return fmt.Errorf("%w: sheet %s lies outside the project tree", ErrNotFound, relFile)
		}
		return o.files.Extract(ctx, current.version, relFile, dst)
	})
	return err
}

// sourceRoot mirrors the absolute project directory below sources, so sheet
// files referenced through ../ land in per-version copies.
func sourceRoot(sources, projectDir string) string {
	dir := filepath.Clean(projectDir)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	dir = strings.TrimPrefix(dir, filepath.VolumeName(dir))
	return filepath.Join(sources, strings.TrimLeft(dir, `/\`))
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && filepath.IsLocal(rel)
}

func (o *Orchestrator) renderSide(ctx context.Context, logger *zap.Logger, mode render.Mode, object string, opts Options, current *side) error {
	outputDir := filepath.Join(current.dir, string(mode))
	var svgName string
	if mode == render.ModeBoard {
		if opts.FitBoard {
			outputDir = filepath.Join(outputDir, fitBoardDir)
		} else {
			outputDir = filepath.Join(outputDir, noFitBoardDir)
		}
		svgName = render.BoardSVGName(o.project.BoardName(), object)
	} else {
		svgName = render.SchematicSVGName(object)
	}
	current.svgPath = filepath.Join(outputDir, svgName)

	if _, err := os.Stat(current.svgPath); err == nil {
		o.metrics.ObserveRenderCacheHit(string(mode))
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", current.svgPath, err)
	}

	started := time.Now()
	err := o.renderStaged(ctx, logger, outputDir, render.Request{
		Mode:      mode,
		InputPath: current.input,
		Layers:    o.layers,
		FitBoard:  opts.FitBoard,
	})
	elapsed := time.Since(started)
	o.recordRender(ctx, logger, current.version, object, mode, opts, elapsed, err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRender, err)
	}

	if _, err := os.Stat(current.svgPath); err != nil {
		return fmt.Errorf("%w: renderer produced no %s for %s", ErrRender, svgName, current.version)
	}
	return nil
}

// renderStaged runs the renderer in a private directory and then renames
// every finished export into outputDir, so cache entries only ever appear
// complete. Concurrent renders of the same key overwrite each other with
// identical files.
func (o *Orchestrator) renderStaged(ctx context.Context, logger *zap.Logger, outputDir string, request render.Request) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create render dir: %w", err)
	}
	staging, err := os.MkdirTemp(outputDir, stagingPattern)
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			logger.Warn("failed to remove staging dir", zap.String("dir", staging), zap.Error(err))
		}
	}()

	request.OutputDir = staging
	if err := o.renderer.Render(ctx, request); err != nil {
		return err
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("list staged exports: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Rename(filepath.Join(staging, entry.Name()), filepath.Join(outputDir, entry.Name())); err != nil {
			return fmt.Errorf("publish %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (o *Orchestrator) recordRender(ctx context.Context, logger *zap.Logger, v version.Version, object string, mode render.Mode, opts Options, elapsed time.Duration, renderErr error) {
	outcome := metrics.RenderOK
	if renderErr != nil {
		outcome = metrics.RenderFailed
	}
	o.metrics.ObserveRender(string(mode), outcome, elapsed)
	logger.Info("render finished",
		zap.String("version", v.String()),
		zap.String("object", object),
		zap.String("mode", string(mode)),
		zap.Duration("elapsed", elapsed),
		zap.String("outcome", outcome))

	if o.journal == nil {
		return
	}
	err := o.journal.Record(ctx, journal.Entry{
		RequestID: logging.RequestID(ctx),
		Version:   v.String(),
		Object:    object,
		Mode:      string(mode),
		FitBoard:  opts.FitBoard,
		Duration:  elapsed,
		Err:       renderErr,
	})
	if err != nil {
		logger.Warn("failed to journal render", zap.Error(err))
	}
}

// DiffPage gathers the page data for object.
func (o *Orchestrator) DiffPage(ctx context.Context, base, target version.Version, object string, opts Options) (Page, error) {
	logger := logging.FromContext(ctx, o.logger)

	objects, err := o.Objects()
	if err != nil {
		return Page{}, o.fail(logger, opDiffPage, "objects_failed", err)
	}
	mode, err := o.classify(object)
	if err != nil {
		return Page{}, o.fail(logger, opDiffPage, "unknown_object", err)
	}

	commits := []history.Commit{}
	if o.history != nil {
		if commits, err = o.history.ReadHistory(ctx); err != nil {
			return Page{}, o.fail(logger, opDiffPage, "history_failed", err)
		}
	}
	snapshots := []string{}
	if o.snapshots != nil {
		if snapshots, err = o.snapshots.List(); err != nil {
			return Page{}, o.fail(logger, opDiffPage, "snapshots_failed", err)
		}
	}

	return Page{
		Base:      base,
		Target:    target,
		Object:    object,
		Mode:      mode,
		Objects:   objects,
		Commits:   commits,
		Snapshots: snapshots,
		FitBoard:  opts.FitBoard,
	}, nil
}

func (o *Orchestrator) fail(logger *zap.Logger, operation, reason string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	level := logger.Error
	if errors.Is(err, ErrNotFound) {
		level = logger.Debug
	}
	level("diff request failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
	return newServiceError(operation, reason, err)
}

// injectOverlayID tags the root element so the page can address it.
func injectOverlayID(document string) (string, error) {
	position := strings.Index(document, svgTagOpen)
	if position < 0 {
		return "", fmt.Errorf("%w: overlay has no <svg> tag", ErrRender)
	}
	position += len(svgTagOpen)
	return document[:position] + overlayIDAttribute + document[position:], nil
}
