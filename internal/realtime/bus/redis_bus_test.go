package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/aidenerard/fluxspace-site/internal/realtime"
)

func TestJobChannel(t *testing.T) {
	id := uuid.MustParse("0b7a7c1e-3d61-4a53-9a55-5c2f7f3f1e10")
	if got := JobChannel("jobs", id); got != "jobs:job:0b7a7c1e-3d61-4a53-9a55-5c2f7f3f1e10" {
		t.Fatalf("JobChannel: got=%s", got)
	}
}

func TestDecodeJobEvent(t *testing.T) {
	id := uuid.New()
	raw, err := json.Marshal(realtime.JobEvent{Event: realtime.JobEventDone, JobID: id, Status: "done"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ev, err := decodeJobEvent(string(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.JobID != id || ev.Event != realtime.JobEventDone {
		t.Fatalf("decode: got=%+v", ev)
	}

	if _, err := decodeJobEvent("{not json"); err == nil {
		t.Fatalf("bad payload: expected error")
	}
	if _, err := decodeJobEvent(`{"event":"job_done"}`); err == nil {
		t.Fatalf("missing job_id: expected error")
	}
}

func TestNilBusRefusesWork(t *testing.T) {
	var b *redisBus
	if err := b.Publish(context.Background(), realtime.JobEvent{}); err != errNotInitialized {
		t.Fatalf("Publish: want=%v got=%v", errNotInitialized, err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
