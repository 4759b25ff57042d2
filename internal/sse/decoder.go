package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	scannerInitial = 64 * 1024
	scannerMax     = 1024 * 1024
)

// Event is one dispatched Server-Sent Events frame.
type Event struct {
	Type  string        // "message" unless the frame named another event
	Data  string        // data lines joined with "\n"
	ID    string        // last event ID in effect when the frame was dispatched
	HasID bool          // the frame carried its own id field
	Retry time.Duration // reconnection hint in effect, zero when never sent
}

// Decoder reads Server-Sent Events frames from a stream.
type Decoder struct {
	scanner *bufio.Scanner
	lastID  string
	retry   time.Duration
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return newDecoder(r, "")
}

// newDecoder starts with lastID in effect, as a reconnect carries the last
// event id over until the server sends a new one.
func newDecoder(r io.Reader, lastID string) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, scannerInitial), scannerMax)
	s.Split(scanLines)
	return &Decoder{scanner: s, lastID: lastID}
}

// LastID returns the most recent id field seen on the stream.
func (d *Decoder) LastID() string {
	return d.lastID
}

// Retry returns the latest reconnection hint sent by the server, zero if none.
func (d *Decoder) Retry() time.Duration {
	return d.retry
}

// Next returns the next dispatched event. It returns io.EOF when the stream
// ends cleanly; a partially received frame at EOF is discarded.
func (d *Decoder) Next() (Event, error) {
	var (
		eventType string
		data      strings.Builder
		hasData   bool
		hasID     bool
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if !hasData {
				// Nothing to dispatch; the event type does not carry over.
				eventType = ""
				hasID = false
				continue
			}
			if eventType == "" {
				eventType = "message"
			}
			return Event{Type: eventType, Data: data.String(), ID: d.lastID, HasID: hasID, Retry: d.retry}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}

		switch field {
		case "event":
			eventType = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastID = value
				hasID = true
			}
		case "retry":
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms >= 0 {
				d.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// scanLines splits on "\n", "\r\n" or a lone "\r".
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// '\r': need one more byte to know whether "\r\n" follows.
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
