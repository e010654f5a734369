// Package overlay superimposes two SVG renderings so that differences show up
// in colour: content only in the base is red, content only in the target is
// cyan and shared content blends to white.
package overlay

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
)

// ErrMalformedSVG reports an input that lacks the XML declaration or the
// <svg> element boundaries.
var ErrMalformedSVG = errors.New("overlay: malformed svg")

const (
	BaseColour   = "#ff0000"
	TargetColour = "#00ffff"

	bottomGroupOpen = `<g id="bottom-g">`
	topGroupOpen    = `<g id="top-g" style="mix-blend-mode:screen;">`
	groupClose      = "</g>"
	svgClose        = "</svg>"
)

var (
	xmlDeclPattern = regexp.MustCompile(`^<\?xml[^>]*>`)
	svgOpenPattern = regexp.MustCompile(`<svg[^>]*>`)
	stylePattern   = regexp.MustCompile(`style="([^"]*)"`)
	tagPattern     = regexp.MustCompile(`<([^/ >]+)([^>]*)>`)
)

// Generator builds overlay documents.
type Generator struct {
	logger *zap.Logger
}

// NewGenerator constructs a Generator.
func NewGenerator(logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{logger: logger}
}

// Overlay places top above bottom. The result keeps the header of bottom:
// the whole prologue up to and including the <svg> tag, or only the <svg>
// tag when onlySVGTag is set.
func (g *Generator) Overlay(bottom, top string, onlySVGTag bool) (string, error) {
	bottomHead, bottomInner, err := splitDocument(bottom, onlySVGTag)
	if err != nil {
		return "", fmt.Errorf("bottom: %w", err)
	}
	topHead, topInner, err := splitDocument(top, onlySVGTag)
	if err != nil {
		return "", fmt.Errorf("top: %w", err)
	}

	if bottomHead != topHead {
		differ := diffmatchpatch.New()
		patches := differ.PatchMake(bottomHead, differ.DiffMain(bottomHead, topHead, false))
		g.logger.Warn("svg headers differ", zap.String("diff", differ.PatchToText(patches)))
	}

	return strings.Join([]string{
		bottomHead,
		bottomGroupOpen,
		recolour(bottomInner, BaseColour),
		groupClose,
		topGroupOpen,
		recolour(topInner, TargetColour),
		groupClose,
		svgClose,
	}, "\n"), nil
}

// splitDocument returns the header and the content between the <svg> tag and
// the first </svg> after it.
func splitDocument(document string, onlySVGTag bool) (string, string, error) {
	declaration := xmlDeclPattern.FindStringIndex(document)
	if declaration == nil {
		return "", "", fmt.Errorf("%w: document must start with <?xml", ErrMalformedSVG)
	}
	rest := document[declaration[1]:]
	svgTag := svgOpenPattern.FindStringIndex(rest)
	if svgTag == nil {
		return "", "", fmt.Errorf("%w: <svg> not found", ErrMalformedSVG)
	}
	svgStart := declaration[1] + svgTag[0]
	svgEnd := declaration[1] + svgTag[1]

	headStart := 0
	if onlySVGTag {
		headStart = svgStart
	}

	closing := strings.Index(document[svgEnd:], svgClose)
	if closing < 0 {
		return "", "", fmt.Errorf("%w: </svg> not found", ErrMalformedSVG)
	}
	return document[headStart:svgEnd], document[svgEnd : svgEnd+closing], nil
}

// recolour replaces fill and stroke colours in every inline style, leaving
// "none" untouched.
func recolour(content, colour string) string {
	var builder strings.Builder
	builder.Grow(len(content))
	position := 0
	for _, match := range tagPattern.FindAllStringSubmatchIndex(content, -1) {
		builder.WriteString(content[position:match[0]])
		position = match[1]

		tag := content[match[2]:match[3]]
		attributes := content[match[4]:match[5]]
		styleMatch := stylePattern.FindStringSubmatchIndex(attributes)
		if styleMatch == nil {
			builder.WriteString(content[match[0]:match[1]])
			continue
		}

		style := decodeStyle(attributes[styleMatch[2]:styleMatch[3]])
		for _, key := range []string{"fill", "stroke"} {
			if value, ok := style.get(key); ok && value != "none" {
				style.set(key, colour)
			}
		}
		builder.WriteString("<" + tag + attributes[:styleMatch[2]] + style.encode() + attributes[styleMatch[3]:] + ">")
	}
	builder.WriteString(content[position:])
	return builder.String()
}

type declaration struct {
	property string
	value    string
}

// style is an ordered list of declarations.
type style []declaration

func decodeStyle(raw string) style {
	var decoded style
	for _, item := range strings.Split(raw, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		property, value, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		decoded.set(property, value)
	}
	return decoded
}

func (s style) get(property string) (string, bool) {
	for _, item := range s {
		if item.property == property {
			return item.value, true
		}
	}
	return "", false
}

func (s *style) set(property, value string) {
	for index := range *s {
		if (*s)[index].property == property {
			(*s)[index].value = value
			return
		}
	}
	*s = append(*s, declaration{property: property, value: value})
}

func (s style) encode() string {
	parts := make([]string, 0, len(s))
	for _, item := range s {
		parts = append(parts, item.property+":"+item.value+";")
	}
	return strings.Join(parts, " ")
}
