package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInOrder(t *testing.T) {
	rec := &Recorder{}
	b := NewBus(4, rec)

	for i := 0; i < 50; i++ {
		b.Notify(TaskDone, Payload{TaskID: fmt.Sprint(i)})
	}
	b.Close()

	events := rec.Events()
	if len(events) != 50 {
		t.Fatalf("got %d events, want 50", len(events))
	}
	for i, e := range events {
		if e.Payload.TaskID != fmt.Sprint(i) {
			t.Fatalf("event %d has task %s", i, e.Payload.TaskID)
		}
	}
}

func TestBus_DropsProgressWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := SinkFunc(func(Event) error {
		<-block
		return nil
	})
	b := NewBus(1, slow)

	// The first event is taken by the dispatcher, the second fills the
	// buffer, the rest are dropped.
	for i := 0; i < 10; i++ {
		b.Notify(TaskProgress, Payload{Percent: float64(i)})
		time.Sleep(time.Millisecond)
	}
	close(block)
	b.Close()

	if b.Dropped() < 7 {
		t.Errorf("dropped %d progress events, want at least 7", b.Dropped())
	}
}

func TestBus_NotifyAfterClose(t *testing.T) {
	rec := &Recorder{}
	b := NewBus(1, rec)
	b.Close()
	b.Close()

	b.Notify(TaskDone, Payload{})
	if len(rec.Events()) != 0 {
		t.Error("event delivered after Close")
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestBus_SinkErrorsDoNotStopDelivery(t *testing.T) {
	rec := &Recorder{}
	failing := SinkFunc(func(Event) error { return errors.New("sink down") })
	b := NewBus(8, failing, rec)
	b.Notify(RunState, Payload{Status: "planning"})
	b.Notify(RunState, Payload{Status: "completed"})
	b.Close()

	if got := len(rec.Named(RunState)); got != 2 {
		t.Errorf("recorder got %d events, want 2", got)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	l := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
	s := LogSink{Logger: l}

	tests := []struct {
		name  string
		p     Payload
		level string
	}{
		{TaskFailed, Payload{UtteranceID: "u1", Message: "synthesis failed"}, "WARN"},
		{RunState, Payload{Status: "completed"}, "INFO"},
		{TaskDone, Payload{UtteranceID: "u2"}, "DEBU"},
	}
	for _, tt := range tests {
		buf.Reset()
		if err := s.Handle(Event{Name: tt.name, Payload: tt.p}); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		if !strings.Contains(out, tt.level) {
			t.Errorf("%s: output %q lacks level %s", tt.name, out, tt.level)
		}
		if tt.p.UtteranceID != "" && !strings.Contains(out, tt.p.UtteranceID) {
			t.Errorf("%s: output %q lacks utterance id", tt.name, out)
		}
	}
}

func TestNATSSink(t *testing.T) {
	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)
	defer natsServer.Shutdown()

	nc, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("podforge.test.>")
	require.NoError(t, err)

	sink := NewNATSSink(nc, "podforge.test")
	b := NewBus(8, sink)
	b.Notify(TaskDone, Payload{RunID: "r1", UtteranceID: "u1", Status: "done", Percent: 50})
	b.Close()
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "podforge.test.task.done", msg.Subject)

	var e Event
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	require.Equal(t, TaskDone, e.Name)
	require.Equal(t, "u1", e.Payload.UtteranceID)
	require.InDelta(t, 50.0, e.Payload.Percent, 0.001)
}
