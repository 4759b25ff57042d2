package sse

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, stream string) ([]Event, *Decoder) {
	t.Helper()
	dec := NewDecoder(strings.NewReader(stream))
	var out []Event
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return out, dec
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestDecoder_Frames(t *testing.T) {
	stream := ": keep-alive\n" +
		"data: first\n\n" +
		"event: log\n" +
		"id: 7\n" +
		"data: line one\n" +
		"data: line two\n\n" +
		"data:no-space\n\n" +
		"event: status\r\n" +
		"data: {\"stage\":\"geocoding\"}\r\n\r\n"

	got, dec := decodeAll(t, stream)
	want := []Event{
		{Type: "message", Data: "first"},
		{Type: "log", Data: "line one\nline two", ID: "7", HasID: true},
		{Type: "message", Data: "no-space", ID: "7"},
		{Type: "status", Data: `{"stage":"geocoding"}`, ID: "7"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "7", dec.LastID())
}

func TestDecoder_EmptyDataDispatched(t *testing.T) {
	got, _ := decodeAll(t, "data:\n\nevent: log\ndata:\n\nevent: x\n\ndata: kept\n\n")
	require.Len(t, got, 3)
	assert.Equal(t, Event{Type: "message"}, got[0])
	assert.Equal(t, Event{Type: "log"}, got[1])
	assert.Equal(t, Event{Type: "message", Data: "kept"}, got[2])
}

func TestDecoder_SeededLastID(t *testing.T) {
	dec := newDecoder(strings.NewReader("data: a\n\nid: 8\ndata: b\n\n"), "7")
	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "7", ev.ID)
	ev, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "8", ev.ID)
}

func TestDecoder_RetryField(t *testing.T) {
	got, dec := decodeAll(t, "retry: 2500\n\ndata: a\n\nretry: nope\ndata: b\n\n")
	require.Len(t, got, 2)
	assert.Equal(t, 2500*time.Millisecond, dec.Retry())
	assert.Equal(t, 2500*time.Millisecond, got[1].Retry)
}

func TestDecoder_PartialFrameAtEOF(t *testing.T) {
	got, _ := decodeAll(t, "data: complete\n\ndata: partial")
	require.Len(t, got, 1)
	assert.Equal(t, "complete", got[0].Data)
}

func TestDecoder_LoneCarriageReturn(t *testing.T) {
	got, _ := decodeAll(t, "data: a\r\rdata: b\r\r")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Data)
	assert.Equal(t, "b", got[1].Data)
}

func TestDecoder_IDWithNullIgnored(t *testing.T) {
	_, dec := decodeAll(t, "id: 1\ndata: a\n\nid: bad\x00id\ndata: b\n\n")
	assert.Equal(t, "1", dec.LastID())
}
