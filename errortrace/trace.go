// Package errortrace parses error reports into a normalized Trace.
//
// Two input shapes are accepted: APM exception events (optionally wrapped in
// a JSON array, in which case the first element is used) whose
// event_attributes carry exception.* keys, and an already normalized
// document with error_type, message and frames.
package errortrace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrTraceParse is wrapped by every parse failure.
var ErrTraceParse = errors.New("trace parse error")

// Frame is one stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
	Body     string `json:"body,omitempty"`
	External bool   `json:"external"`
}

// Trace is the normalized error report. It is built once by Parse and
// never mutated afterwards.
type Trace struct {
	ErrorType  string    `json:"error_type"`
	Message    string    `json:"message"`
	Language   string    `json:"language,omitempty"`
	EventName  string    `json:"event_name,omitempty"`
	Stacktrace string    `json:"stacktrace,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
	Frames     []Frame   `json:"frames"`
}

// InternalFrames returns the frames that belong to application code.
func (t *Trace) InternalFrames() []Frame {
	var out []Frame
	for _, f := range t.Frames {
		if !f.External {
			out = append(out, f)
		}
	}
	return out
}

// Origin returns the primary error location: the first internal frame, or
// the first frame of any kind when every frame is external.
func (t *Trace) Origin() (Frame, bool) {
	if internal := t.InternalFrames(); len(internal) > 0 {
		return internal[0], true
	}
	if len(t.Frames) > 0 {
		return t.Frames[0], true
	}
	return Frame{}, false
}

// Summary renders the trace as the short text block handed to agents.
func (t *Trace) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error Type: %s\n", t.ErrorType)
	fmt.Fprintf(&sb, "Error Message: %s\n", t.Message)
	if t.Language != "" {
		fmt.Fprintf(&sb, "Language: %s\n", t.Language)
	}
	internal := t.InternalFrames()
	fmt.Fprintf(&sb, "Total stack frames: %d\n", len(t.Frames))
	fmt.Fprintf(&sb, "Internal (app) frames: %d\n", len(internal))
	for i, f := range internal {
		fmt.Fprintf(&sb, "\n--- Frame %d ---\nFile: %s\nLine: %d\nFunction: %s\n", i+1, f.File, f.Line, f.Function)
		if f.Body != "" {
			fmt.Fprintf(&sb, "Code:\n%s\n", f.Body)
		}
	}
	if origin, ok := t.Origin(); ok {
		fmt.Fprintf(&sb, "\nPrimary location: %s:%d (%s)\n", origin.File, origin.Line, origin.Function)
	}
	return sb.String()
}

// ParseFile reads and parses the trace document at path.
func ParseFile(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTraceParse, path, err)
	}
	return Parse(data)
}

// Parse decodes a trace document. On any error it returns a nil Trace.
func Parse(data []byte) (*Trace, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrTraceParse)
	}

	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTraceParse, err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: empty trace array", ErrTraceParse)
		}
		data = items[0]
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTraceParse, err)
	}

	var (
		t   *Trace
		err error
	)
	if _, ok := keys["event_attributes"]; ok {
		t, err = parseAPM(data)
	} else {
		t, err = parseNormalized(data)
	}
	if err != nil {
		return nil, err
	}
	if t.ErrorType == "" {
		return nil, fmt.Errorf("%w: missing error type", ErrTraceParse)
	}
	return t, nil
}

type apmEvent struct {
	EventName  string          `json:"event_name"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Attributes map[string]any  `json:"event_attributes"`
}

type apmFrame struct {
	File       string    `json:"exception.file"`
	Line       flexInt   `json:"exception.line"`
	Function   string    `json:"exception.function_name"`
	Body       string    `json:"exception.function_body"`
	IsExternal *flexBool `json:"exception.is_file_external"`
}

func parseAPM(data []byte) (*Trace, error) {
	var ev apmEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTraceParse, err)
	}
	attr := func(key string) string {
		if v, ok := ev.Attributes[key].(string); ok {
			return v
		}
		return ""
	}

	t := &Trace{
		ErrorType:  attr("exception.type"),
		Message:    attr("exception.message"),
		Language:   attr("exception.language"),
		Stacktrace: attr("exception.stacktrace"),
		EventName:  ev.EventName,
		Frames:     []Frame{},
	}
	ts, err := parseTimestamp(ev.Timestamp)
	if err != nil {
		return nil, err
	}
	t.Timestamp = ts

	// stack_details is usually a JSON-encoded string, but some exporters
	// inline the array.
	var rawFrames []byte
	switch v := ev.Attributes["exception.stack_details"].(type) {
	case nil:
	case string:
		rawFrames = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: stack_details: %v", ErrTraceParse, err)
		}
		rawFrames = b
	}
	if len(bytes.TrimSpace(rawFrames)) > 0 {
		var frames []apmFrame
		if err := json.Unmarshal(rawFrames, &frames); err != nil {
			return nil, fmt.Errorf("%w: stack_details: %v", ErrTraceParse, err)
		}
		for _, f := range frames {
			t.Frames = append(t.Frames, Frame{
				File:     f.File,
				Line:     int(f.Line),
				Function: f.Function,
				Body:     f.Body,
				External: f.IsExternal == nil || bool(*f.IsExternal),
			})
		}
	}
	if len(t.Frames) == 0 && t.Stacktrace != "" {
		t.Frames = tracebackFrames(t.Stacktrace)
	}
	return t, nil
}

var tracebackLine = regexp.MustCompile(`^\s*File "([^"]+)", line (\d+)(?:, in (\S+))?`)

// tracebackFrames recovers frames from Python traceback text. Python prints
// the innermost call last; frames are returned innermost first to match
// stack_details ordering.
func tracebackFrames(text string) []Frame {
	lines := strings.Split(text, "\n")
	var frames []Frame
	for i, line := range lines {
		m := tracebackLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		f := Frame{File: m[1], Line: n, Function: m[3], External: externalPath(m[1])}
		if i+1 < len(lines) && !tracebackLine.MatchString(lines[i+1]) {
			f.Body = strings.TrimSpace(lines[i+1])
		}
		frames = append(frames, f)
	}
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	if frames == nil {
		return []Frame{}
	}
	return frames
}

func externalPath(file string) bool {
	return strings.Contains(file, "site-packages") ||
		strings.Contains(file, "dist-packages") ||
		strings.HasPrefix(file, "<")
}

type normalizedTrace struct {
	ErrorType  string          `json:"error_type"`
	Message    string          `json:"message"`
	Language   string          `json:"language"`
	Stacktrace string          `json:"stacktrace"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Frames     []struct {
		File     string   `json:"file"`
		Line     flexInt  `json:"line"`
		Function string   `json:"function"`
		Body     string   `json:"body"`
		External flexBool `json:"external"`
	} `json:"frames"`
}

func parseNormalized(data []byte) (*Trace, error) {
	var n normalizedTrace
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTraceParse, err)
	}
	ts, err := parseTimestamp(n.Timestamp)
	if err != nil {
		return nil, err
	}
	t := &Trace{
		ErrorType:  n.ErrorType,
		Message:    n.Message,
		Language:   n.Language,
		Stacktrace: n.Stacktrace,
		Timestamp:  ts,
		Frames:     make([]Frame, 0, len(n.Frames)),
	}
	for _, f := range n.Frames {
		t.Frames = append(t.Frames, Frame{
			File:     f.File,
			Line:     int(f.Line),
			Function: f.Function,
			Body:     f.Body,
			External: bool(f.External),
		})
	}
	return t, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", ErrTraceParse, s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrTraceParse, err)
	}
	// Epoch values above 1e12 are milliseconds.
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	return time.Unix(int64(n), 0).UTC(), nil
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid line number %s", b)
	}
	*f = flexInt(n)
	return nil
}

// flexBool accepts a JSON boolean or the strings "true"/"false". An APM
// frame without the attribute is treated as external.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.ToLower(strings.Trim(string(b), `"`))
	switch s {
	case "false", "0":
		*f = false
	case "true", "1", "", "null":
		*f = true
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}
