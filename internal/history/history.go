// Package history reads the commit history of the repository enclosing a
// KiCad project and fetches file contents as of a revision.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Delimiter separates the fields of one formatted commit. It is chosen to be
// absent from ordinary commit text; a message that contains it breaks parsing.
const Delimiter = "^@_@^"

// RecordStart marks the beginning of every formatted commit.
const RecordStart = "#"

// LogFormat is the git pretty format producing the stream Parse consumes.
const LogFormat = RecordStart + "%H" + Delimiter + "%D" + Delimiter + "%an" + Delimiter +
	"%ad" + Delimiter + "%s" + Delimiter + "%b" + Delimiter

const hashLength = 40

// ErrMalformedHistory reports a history stream that violates the record format.
var ErrMalformedHistory = errors.New("history: malformed log stream")

// Commit is one parsed history record.
type Commit struct {
	Hash       string
	Refs       string
	AuthorName string
	AuthorDate string
	Subject    string
	Body       string
}

// ShortHash returns the abbreviated hash shown in pickers.
func (c Commit) ShortHash() string {
	if len(c.Hash) < 7 {
		return c.Hash
	}
	return c.Hash[:7]
}

// Backend is the version-control system the history is read from.
type Backend interface {
	// Show returns the bytes of relPath as of ref. A file absent at that
	// revision yields empty bytes.
	Show(ctx context.Context, ref, relPath string) ([]byte, error)
	// Log returns every commit reachable from HEAD formatted with LogFormat,
	// newest first.
	Log(ctx context.Context) ([]byte, error)
}

// Reader turns the backend log stream into commits.
type Reader struct {
	backend Backend
	logger  *zap.Logger
}

// NewReader constructs a Reader over backend.
func NewReader(backend Backend, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{backend: backend, logger: logger}
}

// ReadHistory fetches and parses the full log.
func (r *Reader) ReadHistory(ctx context.Context) ([]Commit, error) {
	raw, err := r.backend.Log(ctx)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	commits, err := Parse(string(raw))
	if err != nil {
		r.logger.Error("history parse failed", zap.Error(err), zap.Int("bytes", len(raw)))
		return nil, err
	}
	r.logger.Debug("history read", zap.Int("commits", len(commits)))
	return commits, nil
}

var fieldNames = [...]string{"refs", "author name", "author date", "subject", "body"}

// Parse decodes a stream of LogFormat records. Any record that does not carry
// a 40 character hash followed by five terminated fields fails the whole parse.
func Parse(raw string) ([]Commit, error) {
	commits := make([]Commit, 0)
	position := 0
	for {
		start := strings.Index(raw[position:], RecordStart)
		if start < 0 {
			break
		}
		hashStart := position + start + len(RecordStart)

		hashEnd := indexFrom(raw, Delimiter, hashStart)
		if hashEnd < 0 {
			return nil, fmt.Errorf("%w: hash not terminated near %q", ErrMalformedHistory, excerpt(raw, hashStart))
		}
		hash := raw[hashStart:hashEnd]
		if len(hash) != hashLength {
			return nil, fmt.Errorf("%w: hash %q length is %d, expected %d", ErrMalformedHistory, hash, len(hash), hashLength)
		}

		var fields [len(fieldNames)]string
		cursor := hashEnd + len(Delimiter)
		for index, name := range fieldNames {
			end := indexFrom(raw, Delimiter, cursor)
			if end < 0 {
				return nil, fmt.Errorf("%w: %s not found for commit %s", ErrMalformedHistory, name, hash)
			}
			fields[index] = raw[cursor:end]
			cursor = end + len(Delimiter)
		}

		commits = append(commits, Commit{
			Hash:       hash,
			Refs:       fields[0],
			AuthorName: fields[1],
			AuthorDate: fields[2],
			Subject:    fields[3],
			Body:       fields[4],
		})
		position = cursor
	}
	return commits, nil
}

// Format renders commits in LogFormat. Backends that do not shell out to git
// use it so every history goes through the same parser.
func Format(commits []Commit) string {
	var builder strings.Builder
	for _, commit := range commits {
		builder.WriteString(RecordStart)
		for _, field := range []string{commit.Hash, commit.Refs, commit.AuthorName, commit.AuthorDate, commit.Subject, commit.Body} {
			builder.WriteString(field)
			builder.WriteString(Delimiter)
		}
		builder.WriteString("\n")
	}
	return builder.String()
}

func indexFrom(s, substr string, from int) int {
	if from > len(s) {
		return -1
	}
	index := strings.Index(s[from:], substr)
	if index < 0 {
		return -1
	}
	return from + index
}

func excerpt(s string, from int) string {
	end := from + 100
	if end > len(s) {
		end = len(s)
	}
	return s[from:end]
}
