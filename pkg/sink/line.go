package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLine is returned for lines that are not complete records.
var ErrInvalidLine = errors.New("invalid record line")

const (
	fieldSep     = "\t"
	commentStart = "#"
)

var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\t`, "\t", `\n`, "\n", `\r`, "\r")
)

// Line is one record in the output file:
//
//	entity<TAB>id<TAB>marker<TAB>json
//
// The json column is compact, so it never holds a raw tab or newline. The
// other columns escape backslash, tab, CR and LF.
type Line struct {
	Entity  string
	ID      string
	Marker  string
	Payload json.RawMessage
}

// Key identifies a record across files.
func (l Line) Key() string {
	return l.Entity + fieldSep + l.ID
}

// Format renders the line including its trailing newline.
func (l Line) Format() ([]byte, error) {
	if l.Entity == "" || l.ID == "" {
		return nil, fmt.Errorf("%w: entity and id are required", ErrInvalidLine)
	}
	var payload bytes.Buffer
	if err := json.Compact(&payload, l.Payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidLine, err)
	}

	var b bytes.Buffer
	b.Grow(len(l.Entity) + len(l.ID) + len(l.Marker) + payload.Len() + 4)
	b.WriteString(escaper.Replace(l.Entity))
	b.WriteString(fieldSep)
	b.WriteString(escaper.Replace(l.ID))
	b.WriteString(fieldSep)
	b.WriteString(escaper.Replace(l.Marker))
	b.WriteString(fieldSep)
	b.Write(payload.Bytes())
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// ParseLine parses one line without its trailing newline. Comments and blank
// lines are reported with ok false and no error.
func ParseLine(s string) (line Line, ok bool, err error) {
	s = strings.TrimRight(s, "\r\n")
	if strings.TrimSpace(s) == "" || strings.HasPrefix(s, commentStart) {
		return Line{}, false, nil
	}

	parts := strings.SplitN(s, fieldSep, 4)
	if len(parts) != 4 {
		return Line{}, false, fmt.Errorf("%w: want 4 columns, got %d", ErrInvalidLine, len(parts))
	}
	line = Line{
		Entity:  unescaper.Replace(parts[0]),
		ID:      unescaper.Replace(parts[1]),
		Marker:  unescaper.Replace(parts[2]),
		Payload: json.RawMessage(parts[3]),
	}
	if line.Entity == "" || line.ID == "" {
		return Line{}, false, fmt.Errorf("%w: empty entity or id", ErrInvalidLine)
	}
	if !json.Valid(line.Payload) {
		return Line{}, false, fmt.Errorf("%w: payload is not valid json", ErrInvalidLine)
	}
	return line, true, nil
}
