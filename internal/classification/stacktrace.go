package classification

import (
	"bufio"
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/recoverd/internal/metrics"
)

// DefaultParseTimeout bounds how long a single stack trace may take to parse.
const DefaultParseTimeout = time.Second

// ErrParseTimeout is returned when parsing does not finish before its deadline.
var ErrParseTimeout = errors.New("stack trace parse timed out")

// frameLine matches one "at Type.Method(params) [in file:line N]" frame.
var frameLine = regexp.MustCompile(
	`^\s*at\s+(?P<type>[^\s(]+)\.(?P<method>[^.\s(]+)(?P<params>\([^)]*\))(?:\s+in\s+(?P<file>.+):line\s+(?P<line>\d+))?\s*$`,
)

// StackFrame is one parsed frame of a stack trace.
type StackFrame struct {
	Type   string
	Method string
	Params string
	File   string
	Line   int
}

// StackTraceParser extracts frames from textual stack traces within a deadline.
type StackTraceParser struct {
	timeout time.Duration
}

func NewStackTraceParser(timeout time.Duration) *StackTraceParser {
	if timeout <= 0 {
		timeout = DefaultParseTimeout
	}
	return &StackTraceParser{timeout: timeout}
}

// Parse returns the frames of trace in order. Lines that are not frames are skipped.
// A read error after at least one frame ends the parse without an error.
func (p *StackTraceParser) Parse(trace string) ([]StackFrame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return ParseStackTrace(ctx, trace)
}

// ParseStackTrace parses trace line by line, giving up with ErrParseTimeout
// once ctx is done.
func ParseStackTrace(ctx context.Context, trace string) ([]StackFrame, error) {
	var frames []StackFrame

	scanner := bufio.NewScanner(strings.NewReader(trace))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			metrics.StackTraceParseTimeouts.Inc()
			return nil, ErrParseTimeout
		}

		m := frameLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}

		frame := StackFrame{
			Type:   m[frameLine.SubexpIndex("type")],
			Method: m[frameLine.SubexpIndex("method")],
			Params: m[frameLine.SubexpIndex("params")],
			File:   m[frameLine.SubexpIndex("file")],
		}
		if line := m[frameLine.SubexpIndex("line")]; line != "" {
			frame.Line, _ = strconv.Atoi(line)
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil && len(frames) == 0 {
		return nil, err
	}
	// Frames read before an oversized line still identify the call site
	return frames, nil
}

// StripMessage removes the exception message from the trace so that message
// text shaped like a frame is never mistaken for one.
func StripMessage(trace, message string) string {
	if message == "" {
		return trace
	}
	return strings.ReplaceAll(trace, message, "")
}
