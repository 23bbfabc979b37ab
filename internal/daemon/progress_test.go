package daemon

import (
	"encoding/json"
	"testing"
)

func TestProgress_HasIssue(t *testing.T) {
	tests := []struct {
		p    Progress
		want bool
	}{
		{Idle(), false},
		{InProgress(1, 4), false},
		{Completed(4, 0), false},
		{Completed(3, 1), true},
		{Errored("cache unavailable"), true},
	}

	for _, tt := range tests {
		t.Run(tt.p.String(), func(t *testing.T) {
			if got := tt.p.HasIssue(); got != tt.want {
				t.Errorf("HasIssue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProgress_JSON(t *testing.T) {
	tests := []struct {
		p    Progress
		want string
	}{
		{Idle(), `{"state":"idle","succeeded":0,"failed":0}`},
		{InProgress(2, 5), `{"state":"in_progress","current":2,"total":5,"succeeded":0,"failed":0}`},
		{Completed(0, 0), `{"state":"completed","succeeded":0,"failed":0}`},
		{Completed(3, 1), `{"state":"completed","succeeded":3,"failed":1}`},
		{Errored("cache unavailable"), `{"state":"error","succeeded":0,"failed":0,"message":"cache unavailable"}`},
	}

	for _, tt := range tests {
		t.Run(tt.p.String(), func(t *testing.T) {
			data, err := json.Marshal(tt.p)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal() = %s, want %s", data, tt.want)
			}

			var got Progress
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got != tt.p {
				t.Errorf("Unmarshal() = %v, want %v", got, tt.p)
			}
		})
	}
}

func TestState_UnmarshalUnknown(t *testing.T) {
	var p Progress
	if err := json.Unmarshal([]byte(`{"state":"paused"}`), &p); err == nil {
		t.Error("Unmarshal() should reject an unknown state")
	}
}

func TestTracker_Subscribe(t *testing.T) {
	tr := NewTracker()

	ch, cancel := tr.Subscribe()
	if got := <-ch; got != Idle() {
		t.Errorf("first value = %v, want idle", got)
	}

	tr.Set(InProgress(0, 3))
	if got := <-ch; got != InProgress(0, 3) {
		t.Errorf("value = %v, want in_progress(0/3)", got)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic or block.
	tr.Set(Completed(3, 0))
	if got := tr.Current(); got != Completed(3, 0) {
		t.Errorf("Current() = %v, want completed", got)
	}
}

func TestTracker_SlowSubscriberSeesLatest(t *testing.T) {
	tr := NewTracker()
	ch, cancel := tr.Subscribe()
	defer cancel()

	for i := 0; i <= 10; i++ {
		tr.Set(InProgress(i, 10))
	}
	tr.Set(Completed(10, 0))

	if got := <-ch; got != Completed(10, 0) {
		t.Errorf("slow subscriber got %v, want the latest value", got)
	}
	select {
	case p := <-ch:
		t.Errorf("unexpected extra value %v", p)
	default:
	}
}
