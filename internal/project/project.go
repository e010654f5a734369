// Package project locates the board and schematic files of a KiCad project.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	ProjectExt   = ".kicad_pro"
	BoardExt     = ".kicad_pcb"
	SchematicExt = ".kicad_sch"
)

var (
	// ErrNoInput reports an empty argument list.
	ErrNoInput = errors.New("project: no input files")
	// ErrNoProjectFile reports a directory without a .kicad_pro file.
	ErrNoProjectFile = errors.New("project: kicad_pro file not found")
	// ErrMixedDirectories reports input files from more than one directory.
	ErrMixedDirectories = errors.New("project: all input files must be in the same directory")
	// ErrNoDesign reports a project with neither a board nor a schematic.
	ErrNoDesign = errors.New("project: neither a board nor a schematic was found")
)

// Project is the resolved set of design files. BoardPath and SchematicPath
// are absolute; either may be empty but not both.
type Project struct {
	Dir           string
	Stem          string
	BoardPath     string
	SchematicPath string
}

// HasBoard reports whether a board file is known.
func (p Project) HasBoard() bool {
	return p.BoardPath != ""
}

// HasSchematic reports whether a root schematic is known.
func (p Project) HasSchematic() bool {
	return p.SchematicPath != ""
}

// BoardName returns the board file name relative to Dir.
func (p Project) BoardName() string {
	if p.BoardPath == "" {
		return ""
	}
	return filepath.Base(p.BoardPath)
}

// SchematicName returns the root schematic file name relative to Dir.
func (p Project) SchematicName() string {
	if p.SchematicPath == "" {
		return ""
	}
	return filepath.Base(p.SchematicPath)
}

// SchematicStem returns the root schematic name without extension.
func (p Project) SchematicStem() string {
	return stem(p.SchematicName())
}

// Discover resolves the project from command line arguments: a single
// directory holding a .kicad_pro, or any mix of .kicad_pro, .kicad_pcb and
// .kicad_sch files from one directory. Missing board or schematic paths are
// derived from the project file when one is given.
func Discover(inputs []string) (Project, error) {
	if len(inputs) == 0 {
		return Project{}, ErrNoInput
	}

	absolute := make([]string, 0, len(inputs))
	for _, input := range inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			return Project{}, fmt.Errorf("resolve %s: %w", input, err)
		}
		absolute = append(absolute, abs)
	}

	if len(absolute) == 1 {
		if info, err := os.Stat(absolute[0]); err == nil && info.IsDir() {
			proPath, err := findProjectFile(absolute[0])
			if err != nil {
				return Project{}, err
			}
			return fromProjectFile(proPath, "", "")
		}
	}

	dir := filepath.Dir(absolute[0])
	for _, path := range absolute[1:] {
		if filepath.Dir(path) != dir {
			return Project{}, ErrMixedDirectories
		}
	}

	var proPath, boardPath, schematicPath string
	for _, path := range absolute {
		switch filepath.Ext(path) {
		case ProjectExt:
			proPath = path
		case BoardExt:
			boardPath = path
		case SchematicExt:
			schematicPath = path
		}
	}

	if proPath != "" {
		return fromProjectFile(proPath, boardPath, schematicPath)
	}
	return finish(dir, boardPath, schematicPath)
}

func findProjectFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+ProjectExt))
	if err != nil {
		return "", fmt.Errorf("glob project files: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w in directory %q", ErrNoProjectFile, dir)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func fromProjectFile(proPath, boardPath, schematicPath string) (Project, error) {
	dir := filepath.Dir(proPath)
	projectStem := stem(filepath.Base(proPath))
	if boardPath == "" {
		boardPath = existing(filepath.Join(dir, projectStem+BoardExt))
	}
	if schematicPath == "" {
		schematicPath = existing(filepath.Join(dir, projectStem+SchematicExt))
	}
	project, err := finish(dir, boardPath, schematicPath)
	if err != nil {
		return Project{}, err
	}
	project.Stem = projectStem
	return project, nil
}

// finish fills Stem from the project file in dir when present, else from the
// design files themselves.
func finish(dir, boardPath, schematicPath string) (Project, error) {
	if boardPath == "" && schematicPath == "" {
		return Project{}, ErrNoDesign
	}
	project := Project{Dir: dir, BoardPath: boardPath, SchematicPath: schematicPath}
	if proPath, err := findProjectFile(dir); err == nil {
		project.Stem = stem(filepath.Base(proPath))
	} else if boardPath != "" {
		project.Stem = stem(filepath.Base(boardPath))
	} else {
		project.Stem = stem(filepath.Base(schematicPath))
	}
	return project, nil
}

func existing(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
