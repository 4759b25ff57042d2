package sse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Log levels recognised on the pipeline stream.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarn    = "warn"
	LevelError   = "error"
	LevelSuccess = "success"
)

// Entry is one pipeline log line received from the stream.
type Entry struct {
	Seq      uint64    `json:"seq"`
	ID       string    `json:"id,omitempty"` // set only when the frame carried an id
	Time     time.Time `json:"time"`
	Level    string    `json:"level"`
	Stage    string    `json:"stage,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	Message  string    `json:"message"`
	Raw      string    `json:"raw"`
	Received time.Time `json:"received"`
}

// Status is the payload of a "status" event: the job's current stage.
type Status struct {
	JobID    string  `json:"job_id"`
	Stage    string  `json:"stage"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

var (
	timeKeys    = []string{"timestamp", "time", "ts", "@timestamp", "created_at"}
	levelKeys   = []string{"level", "lvl", "severity", "log_level"}
	messageKeys = []string{"message", "msg", "text", "log"}
	stageKeys   = []string{"stage", "step", "phase", "component"}
	jobKeys     = []string{"job_id", "jobId", "job", "task_id"}
)

// ParseEntry converts an event into a log entry. JSON object payloads are
// mined for well-known keys; anything else is treated as a plain text line.
func ParseEntry(ev Event, received time.Time) Entry {
	e := Entry{
		Raw:      ev.Data,
		Received: received,
		Time:     received,
		Level:    LevelInfo,
	}
	if ev.HasID {
		e.ID = ev.ID
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(ev.Data), &rec); err == nil && rec != nil {
		if v := pick(rec, messageKeys); v != "" {
			e.Message = v
		} else {
			e.Message = ev.Data
		}
		if v := pick(rec, levelKeys); v != "" {
			e.Level = NormalizeLevel(v)
		}
		e.Stage = pick(rec, stageKeys)
		e.JobID = pick(rec, jobKeys)
		if ts, ok := parseTime(rec, timeKeys); ok {
			e.Time = ts
		}
		return e
	}

	e.Message = strings.TrimSpace(ev.Data)
	e.Level, e.Message = inferLevel(e.Message)
	return e
}

// ParseStatus decodes a status event payload.
func ParseStatus(ev Event) (Status, error) {
	var s Status
	if err := json.Unmarshal([]byte(ev.Data), &s); err != nil {
		return Status{}, fmt.Errorf("invalid status payload: %w", err)
	}
	return s, nil
}

// NormalizeLevel maps the many spellings of a severity onto the five levels.
func NormalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace", "verbose":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "err", "fatal", "critical", "panic":
		return LevelError
	case "success", "ok", "done":
		return LevelSuccess
	default:
		return LevelInfo
	}
}

// inferLevel recognises "[ERROR] msg", "ERROR: msg" and "error - msg" prefixes.
func inferLevel(line string) (string, string) {
	trimmed := line
	var token string
	switch {
	case strings.HasPrefix(trimmed, "["):
		if end := strings.IndexByte(trimmed, ']'); end > 0 {
			token = trimmed[1:end]
			trimmed = trimmed[end+1:]
		}
	default:
		if i := strings.IndexAny(trimmed, ":-"); i > 0 && i <= 9 {
			token = trimmed[:i]
			trimmed = trimmed[i+1:]
		}
	}
	if token == "" {
		return LevelInfo, line
	}
	lvl := NormalizeLevel(token)
	if lvl == LevelInfo && !strings.EqualFold(strings.TrimSpace(token), "info") {
		return LevelInfo, line
	}
	return lvl, strings.TrimSpace(trimmed)
}

func pick(rec map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			switch t := v.(type) {
			case string:
				return t
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			case bool:
				return strconv.FormatBool(t)
			default:
				b, _ := json.Marshal(t)
				return string(b)
			}
		}
	}
	return ""
}

func parseTime(rec map[string]any, keys []string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
				if ts, err := time.Parse(layout, t); err == nil {
					return ts, true
				}
			}
		case float64:
			// Epoch seconds or milliseconds.
			if t > 1e12 {
				return time.UnixMilli(int64(t)), true
			}
			return time.Unix(int64(t), 0), true
		}
	}
	return time.Time{}, false
}
