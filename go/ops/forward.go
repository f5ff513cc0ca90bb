package ops

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ServiceField is attached to every forwarded event, naming the service
// whose sandbox produced it.
const ServiceField = "service"

// ForwardStderr reads lines from |source| and publishes each as a log
// event attributed to |service|. Lines that parse as JSON objects have
// level, timestamp, and message extracted permissively (common key
// spellings, ASCII case-insensitive); remaining properties become event
// fields. Anything else is published verbatim at |fallbackLevel|. The
// source is closed after the first read error or EOF.
func ForwardStderr(service string, fallbackLevel log.Level, source io.ReadCloser, publisher Publisher) {
	var reader = bufio.NewReader(source)
	defer source.Close()

	var serviceJSON, _ = json.Marshal(service)
	var jsonLines, textLines int
	for {
		var line, err = reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				publisher.Log(log.ErrorLevel, log.Fields{
					"error":      err,
					ServiceField: service,
				}, "failed to read sandbox stderr")
			}
			break
		}
		line = bytes.TrimSuffix(line, []byte{'\n'})
		if len(line) == 0 {
			continue
		}

		if event, ok := parseLine(line); ok {
			jsonLines++
			event.fields[ServiceField] = json.RawMessage(serviceJSON)
			var level = fallbackLevel
			if event.level != 0 {
				level = event.level
			}
			var ts = event.ts
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			publisher.LogForwarded(ts, level, event.fields, event.message)
		} else {
			textLines++
			publisher.LogForwarded(time.Now().UTC(), fallbackLevel,
				map[string]json.RawMessage{ServiceField: json.RawMessage(serviceJSON)},
				string(line))
		}
	}
	publisher.Log(log.TraceLevel, log.Fields{
		"jsonLines":  jsonLines,
		"textLines":  textLines,
		ServiceField: service,
	}, "finished forwarding sandbox stderr")
}

type stderrEvent struct {
	level   log.Level
	ts      time.Time
	message string
	fields  map[string]json.RawMessage
}

func parseLine(line []byte) (stderrEvent, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(line, &m); err != nil || m == nil {
		return stderrEvent{}, false
	}
	var event = stderrEvent{fields: m}
	for k, v := range m {
		if keyMatches(k, "level", "lvl") && event.level == 0 {
			var s string
			if json.Unmarshal(v, &s) == nil {
				if level, ok := parseLevel(s); ok {
					event.level = level
					delete(m, k)
				}
			}
		} else if keyMatches(k, "timestamp", "time", "ts") && event.ts.IsZero() {
			var t time.Time
			if json.Unmarshal(v, &t) == nil {
				event.ts = t
				delete(m, k)
			}
		} else if keyMatches(k, "message", "msg") && event.message == "" {
			var s string
			if json.Unmarshal(v, &s) == nil {
				event.message = s
				delete(m, k)
			}
		}
	}
	return event, true
}

// parseLevel maps common level spellings ("WARN", "warning", "err") onto
// logrus levels by case-insensitive prefix.
func parseLevel(s string) (log.Level, bool) {
	s = strings.ToLower(s)
	for _, candidate := range []struct {
		prefix string
		level  log.Level
	}{
		{"trace", log.TraceLevel},
		{"debug", log.DebugLevel},
		{"info", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"err", log.ErrorLevel},
		{"fatal", log.ErrorLevel},
		{"panic", log.ErrorLevel},
	} {
		if strings.HasPrefix(s, candidate.prefix) {
			return candidate.level, true
		}
	}
	return 0, false
}

func keyMatches(key string, candidates ...string) bool {
	for _, candidate := range candidates {
		if strings.EqualFold(key, candidate) {
			return true
		}
	}
	return false
}
