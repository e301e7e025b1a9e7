package sse

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFrameDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Frame(&buf, "text_delta", []byte(`{"delta":"hello"}`)); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if err := Frame(&buf, "agent_end", []byte(`{"messages":[]}`)); err != nil {
		t.Fatalf("Frame: %v", err)
	}

	dec := NewDecoder(&buf)

	ev, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("first event: ok=%v err=%v", ok, err)
	}
	if ev.Type != "text_delta" || string(ev.Data) != `{"delta":"hello"}` {
		t.Fatalf("first event mismatch: %+v", ev)
	}

	ev, ok, err = dec.Next()
	if err != nil || !ok {
		t.Fatalf("second event: ok=%v err=%v", ok, err)
	}
	if ev.Type != "agent_end" || string(ev.Data) != `{"messages":[]}` {
		t.Fatalf("second event mismatch: %+v", ev)
	}

	_, ok, err = dec.Next()
	if err != nil || ok {
		t.Fatalf("expected clean end of stream, got ok=%v err=%v", ok, err)
	}
}

func TestFrameSplitsLargePayloadAcrossDataLines(t *testing.T) {
	payload := strings.Repeat("a", chunkUnits*2+5)
	var buf bytes.Buffer
	if err := Frame(&buf, "text_delta", []byte(payload)); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if dataLines := strings.Count(buf.String(), "\ndata:") + 1; dataLines < 3 {
		t.Fatalf("expected payload split across at least 3 data: lines, got %d", dataLines)
	}

	dec := NewDecoder(&buf)
	ev, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if string(ev.Data) != payload {
		t.Fatalf("reassembled payload mismatch: len got=%d want=%d", len(ev.Data), len(payload))
	}
}

func TestDecoderRejectsOverlongLine(t *testing.T) {
	huge := "data:" + strings.Repeat("x", maxLineBytes+1) + "\n\n"
	dec := NewDecoder(strings.NewReader(huge))
	_, _, err := dec.Next()
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestDecoderIgnoresUnknownFields(t *testing.T) {
	raw := "id:42\nevent:ping\ndata:{}\nretry:3000\n\n"
	dec := NewDecoder(strings.NewReader(raw))
	ev, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if ev.Type != "ping" || string(ev.Data) != "{}" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
