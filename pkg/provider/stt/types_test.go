package stt

import "testing"

func TestBatch_Flatten(t *testing.T) {
	tests := []struct {
		name      string
		batch     Batch
		wantText  string
		wantFinal bool
	}{
		{
			name:  "empty",
			batch: Batch{},
		},
		{
			name: "single interim",
			batch: Batch{Results: []Result{
				{Alternatives: []Alternative{{Transcript: "soil"}}},
			}},
			wantText: "soil",
		},
		{
			name: "concatenates top alternatives only",
			batch: Batch{Results: []Result{
				{Alternatives: []Alternative{{Transcript: "check "}, {Transcript: "chick "}}},
				{Alternatives: []Alternative{{Transcript: "soil"}}, IsFinal: true},
			}},
			wantText:  "check soil",
			wantFinal: true,
		},
		{
			name: "skips results before ResultIndex",
			batch: Batch{ResultIndex: 1, Results: []Result{
				{Alternatives: []Alternative{{Transcript: "old "}}, IsFinal: true},
				{Alternatives: []Alternative{{Transcript: "new"}}},
			}},
			wantText: "new",
		},
		{
			name: "result without alternatives",
			batch: Batch{Results: []Result{
				{IsFinal: true},
			}},
			wantFinal: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, final := tt.batch.Flatten()
			if text != tt.wantText || final != tt.wantFinal {
				t.Errorf("Flatten() = (%q, %v), want (%q, %v)", text, final, tt.wantText, tt.wantFinal)
			}
		})
	}
}

func TestResultEvent(t *testing.T) {
	ev := ResultEvent("market price", 0.9, true)
	if ev.Kind != EventResult {
		t.Fatalf("Kind = %v, want result", ev.Kind)
	}
	text, final := ev.Batch.Flatten()
	if text != "market price" || !final {
		t.Errorf("Flatten() = (%q, %v)", text, final)
	}
}

func TestEventKind_String(t *testing.T) {
	for k, want := range map[EventKind]string{EventResult: "result", EventError: "error", EventEnd: "end", EventKind(9): "unknown"} {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
