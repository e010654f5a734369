// Package schematic resolves the sheet hierarchy of KiCad schematic files.
package schematic

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

var (
	// ErrSyntax reports a schematic that cannot be scanned for sheets.
	ErrSyntax = errors.New("schematic: invalid syntax")
	// ErrCycle reports a sheet that includes one of its own ancestors.
	ErrCycle = errors.New("schematic: sheet hierarchy contains a cycle")
)

const (
	documentPrefix = "(kicad_sch"
	sheetOpen      = "(sheet"
)

var propertyPattern = regexp.MustCompile(`\(property\s+"([^"]+)"\s+"([^"]+)"`)

// Sheet is a sub-sheet reference: its display name and its file path
// relative to the including schematic.
type Sheet struct {
	Name string
	File string
}

// Stem returns the sheet file name without directory and extension.
func (s Sheet) Stem() string {
	base := filepath.Base(s.File)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Sheets reads the schematic at path and returns its direct sub-sheets.
func Sheets(path string) ([]Sheet, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schematic: %w", err)
	}
	sheets, err := ParseSheets(string(source))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sheets, nil
}

// ParseSheets returns the direct sub-sheets declared in source, in order of
// appearance.
func ParseSheets(source string) ([]Sheet, error) {
	if !strings.HasPrefix(source, documentPrefix) {
		return nil, fmt.Errorf("%w: document does not start with %s", ErrSyntax, documentPrefix)
	}

	sheets := []Sheet{}
	position := 0
	for position < len(source) {
		offset := strings.Index(source[position:], sheetOpen)
		if offset < 0 {
			break
		}
		position += offset + len(sheetOpen)
		// (sheet_instances and friends share the prefix.
		if position >= len(source) || !unicode.IsSpace(rune(source[position])) {
			continue
		}

		end := closingParen(source, position)
		if end < 0 {
			return nil, fmt.Errorf("%w: sheet is not closed", ErrSyntax)
		}

		var name, file string
		var hasName, hasFile bool
		for _, match := range propertyPattern.FindAllStringSubmatch(source[position:end], -1) {
			switch match[1] {
			case "Sheetname", "Sheet name":
				name, hasName = match[2], true
			case "Sheetfile", "Sheet file":
				file, hasFile = match[2], true
			}
		}
		if !hasName || !hasFile {
			return nil, fmt.Errorf("%w: sheet without Sheetname or Sheetfile property", ErrSyntax)
		}
		sheets = append(sheets, Sheet{Name: name, File: file})
		position = end + 1
	}
	return sheets, nil
}

// closingParen returns the index of the parenthesis closing a list whose
// opening parenthesis precedes from, or -1.
func closingParen(source string, from int) int {
	depth := 1
	for index := from; index < len(source); index++ {
		switch source[index] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return index
			}
		}
	}
	return -1
}

// SheetsRecursive returns every sheet reachable from the schematic at path.
// Direct sheets come first, followed by the descendants of each in turn.
// File fields are relative to the directory of path.
func SheetsRecursive(path string) ([]Sheet, error) {
	return Walk(path, nil)
}

// Walk resolves the hierarchy like SheetsRecursive. When prepare is non-nil
// it is called with the root-relative path of every sub-sheet file before
// that file is read, which lets callers materialize files on demand.
func Walk(rootPath string, prepare func(relFile string) error) ([]Sheet, error) {
	walker := &walker{rootDir: filepath.Dir(rootPath), prepare: prepare}
	return walker.walk(filepath.Base(rootPath), nil)
}

type walker struct {
	rootDir string
	prepare func(string) error
}

func (w *walker) walk(relPath string, ancestors []string) ([]Sheet, error) {
	key := filepath.Clean(relPath)
	for _, ancestor := range ancestors {
		if ancestor == key {
			return nil, fmt.Errorf("%w: %s includes itself through %s", ErrCycle, key, strings.Join(ancestors, " -> "))
		}
	}
	ancestors = append(ancestors, key)

	direct, err := Sheets(filepath.Join(w.rootDir, relPath))
	if err != nil {
		return nil, err
	}

	parentDir := filepath.Dir(relPath)
	children := make([]Sheet, 0, len(direct))
	for _, sheet := range direct {
		children = append(children, Sheet{Name: sheet.Name, File: filepath.Join(parentDir, sheet.File)})
	}
	result := append([]Sheet{}, children...)
	for _, sheet := range children {
		if w.prepare != nil {
			if err := w.prepare(sheet.File); err != nil {
				return nil, err
			}
		}
		descendants, err := w.walk(sheet.File, ancestors[:len(ancestors):len(ancestors)])
		if err != nil {
			return nil, err
		}
		result = append(result, descendants...)
	}
	return result, nil
}
