package directory

import (
	"encoding/json"
	"testing"
	"time"
)

func TestWorkerKey(t *testing.T) {
	if got := workerKey("summarizer-1"); got != "workerlink:worker:summarizer-1" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestInfoRoundTrip(t *testing.T) {
	info := Info{
		ID:           "summarizer-1",
		Name:         "Summarizer",
		Addr:         "10.0.0.5:8081",
		RegisteredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Info
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != info {
		t.Fatalf("round trip mismatch: got %+v want %+v", back, info)
	}
}
