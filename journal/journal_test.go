package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"murmur/pipeline"
)

func open(t *testing.T, limit int) *Journal {
	t.Helper()
	j, err := Open(context.Background(), limit)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndHistory(t *testing.T) {
	j := open(t, 10)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	outcomes := []pipeline.Outcome{
		{Kind: pipeline.TranscriptionResult, Text: "hello", SessionID: "a", At: at},
		{Kind: pipeline.RecordingError, Err: pipeline.PermissionDenied, Text: "Recording permission denied", SessionID: "b", At: at},
		{Kind: pipeline.TranscriptionResult, Text: "", SessionID: "c", At: at},
	}
	for _, o := range outcomes {
		if err := j.Record(ctx, o); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2 (empty value skipped)", len(got))
	}
	if got[0].Value != "hello" || got[0].Kind != "transcription_result" || got[0].Error != "" || !got[0].At.Equal(at) {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Kind != "recording_error" || got[1].Error != "permission_denied" || got[1].SessionID != "b" {
		t.Errorf("entry 1 = %+v", got[1])
	}
}

func TestLimitKeepsNewest(t *testing.T) {
	j := open(t, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		o := pipeline.Outcome{Kind: pipeline.TranscriptionResult, Text: fmt.Sprintf("t%d", i)}
		if err := j.Record(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	got, err := j.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Value != "t2" || got[2].Value != "t4" {
		t.Fatalf("history = %+v", got)
	}

	got, _ = j.History(ctx, 1)
	if len(got) != 1 || got[0].Value != "t4" {
		t.Fatalf("history(1) = %+v", got)
	}
}

func TestAttachAndTranscript(t *testing.T) {
	j := open(t, 0)
	ch := pipeline.NewChannel()
	j.Attach(ch)

	ch.Emit(pipeline.EventName, pipeline.Outcome{Kind: pipeline.TranscriptionResult, Text: "turn left"})
	ch.Emit(pipeline.EventName, pipeline.Outcome{Kind: pipeline.TranscriptionError, Err: pipeline.TranscriptionFailure, Text: "Transcription error: boom"})
	ch.Emit(pipeline.EventName, pipeline.Outcome{Kind: pipeline.TranscriptionResult, Text: "then right"})

	text, err := j.Transcript(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if text != "turn left then right" {
		t.Errorf("transcript = %q", text)
	}

	j.sub.Remove()
	ch.Emit(pipeline.EventName, pipeline.Outcome{Kind: pipeline.TranscriptionResult, Text: "ignored"})
	got, _ := j.History(context.Background(), 0)
	if len(got) != 3 {
		t.Errorf("detached journal recorded: %d entries", len(got))
	}
}
