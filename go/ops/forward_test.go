package ops

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// memoryPublisher collects published events for assertions.
type memoryPublisher struct {
	events []capturedEvent
}

type capturedEvent struct {
	level   log.Level
	message string
	fields  map[string]string
	ts      time.Time
}

func (p *memoryPublisher) Log(level log.Level, fields log.Fields, message string) error {
	var flat = make(map[string]string, len(fields))
	for k, v := range fields {
		flat[k] = toString(v)
	}
	p.events = append(p.events, capturedEvent{level: level, message: message, fields: flat})
	return nil
}

func (p *memoryPublisher) LogForwarded(ts time.Time, level log.Level, fields map[string]json.RawMessage, message string) error {
	var flat = make(map[string]string, len(fields))
	for k, v := range fields {
		flat[k] = toString(v)
	}
	p.events = append(p.events, capturedEvent{level: level, message: message, fields: flat, ts: ts})
	return nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.RawMessage:
		var s string
		if json.Unmarshal(t, &s) == nil {
			return s
		}
		return string(t)
	default:
		var b, _ = json.Marshal(v)
		return string(b)
	}
}

func TestStderrForwardingMixedLines(t *testing.T) {
	var raw = `
{"level": "WARN", "msg": "npm cache miss", "pkg": "left-pad", "ts": "2024-02-03T04:05:06.7Z"}
plain interpreter complaint
{"lvl": "iNfO", "MSG": "ready"}
{"foo": "bar"}
`
	var publisher = &memoryPublisher{}
	ForwardStderr("svc_hello", log.DebugLevel, io.NopCloser(strings.NewReader(raw)), publisher)

	// Three forwarded JSON lines, one text line, one trailing summary.
	require.Len(t, publisher.events, 5)

	var warn = publisher.events[0]
	require.Equal(t, log.WarnLevel, warn.level)
	require.Equal(t, "npm cache miss", warn.message)
	require.Equal(t, "left-pad", warn.fields["pkg"])
	require.Equal(t, "svc_hello", warn.fields[ServiceField])
	require.Equal(t, timestamp(t, "2024-02-03T04:05:06.7Z"), warn.ts)

	var text = publisher.events[1]
	require.Equal(t, log.DebugLevel, text.level)
	require.Equal(t, "plain interpreter complaint", text.message)
	require.Equal(t, "svc_hello", text.fields[ServiceField])

	var info = publisher.events[2]
	require.Equal(t, log.InfoLevel, info.level)
	require.Equal(t, "ready", info.message)

	// A JSON object with no recognized keys forwards with an empty message
	// and its properties as fields.
	var bare = publisher.events[3]
	require.Equal(t, log.DebugLevel, bare.level)
	require.Equal(t, "", bare.message)
	require.Equal(t, "bar", bare.fields["foo"])

	var summary = publisher.events[4]
	require.Equal(t, log.TraceLevel, summary.level)
	require.Equal(t, "finished forwarding sandbox stderr", summary.message)
	require.Equal(t, "3", summary.fields["jsonLines"])
	require.Equal(t, "1", summary.fields["textLines"])
}

func TestLevelParsing(t *testing.T) {
	var cases = []struct {
		input  string
		expect log.Level
		ok     bool
	}{
		{"warning", log.WarnLevel, true},
		{"WARN", log.WarnLevel, true},
		{"err", log.ErrorLevel, true},
		{"Error", log.ErrorLevel, true},
		{"fatal", log.ErrorLevel, true},
		{"panic", log.ErrorLevel, true},
		{"tracery", log.TraceLevel, true},
		{"verbose", 0, false},
	}
	for _, tc := range cases {
		var level, ok = parseLevel(tc.input)
		require.Equal(t, tc.ok, ok, tc.input)
		require.Equal(t, tc.expect, level, tc.input)
	}
}

func timestamp(t *testing.T, s string) time.Time {
	var ts, err = time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
