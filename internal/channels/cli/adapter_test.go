package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/relaykit/core/pkg/models"
)

func TestAdapterEmitsOneMessagePerLine(t *testing.T) {
	in := strings.NewReader("hello\n\nworld\n")
	var out bytes.Buffer
	a := New(Config{In: in, Out: &out})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []string
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case msg := <-a.Messages():
			got = append(got, msg.Content)
		case <-deadline:
			t.Fatalf("timed out waiting for messages, got %v", got)
		}
	}

	if got[0] != "hello" || got[1] != "world" {
		t.Fatalf("unexpected messages (blank line should be skipped): %v", got)
	}
}

func TestAdapterSendWritesContent(t *testing.T) {
	in := strings.NewReader("")
	var out bytes.Buffer
	a := New(Config{In: in, Out: &out})

	if err := a.Send(context.Background(), &models.Message{Content: "hi there"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := out.String(); got != "hi there\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestAdapterSendSkipsEmptyMessage(t *testing.T) {
	in := strings.NewReader("")
	var out bytes.Buffer
	a := New(Config{In: in, Out: &out})

	if err := a.Send(context.Background(), &models.Message{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := out.String(); got != "" {
		t.Fatalf("expected no output for an empty message, got %q", got)
	}
}

func TestAdapterStopClosesMessages(t *testing.T) {
	in := strings.NewReader("")
	var out bytes.Buffer
	a := New(Config{In: in, Out: &out})

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case _, ok := <-a.Messages():
		if ok {
			t.Fatalf("expected Messages channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Messages channel to close")
	}
}
