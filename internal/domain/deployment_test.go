package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to DeploymentStatus
		want     bool
	}{
		{StatusQueued, StatusBuilding, true},
		{StatusQueued, StatusReady, true},
		{StatusQueued, StatusFailed, true},
		{StatusBuilding, StatusReady, true},
		{StatusBuilding, StatusFailed, true},
		{StatusBuilding, StatusQueued, false},
		{StatusReady, StatusFailed, false},
		{StatusFailed, StatusReady, false},
		{StatusQueued, StatusQueued, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus(" ready "); !ok || s != StatusReady {
		t.Fatalf("expected READY, got %q %v", s, ok)
	}
	if _, ok := ParseStatus("done"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestSources(t *testing.T) {
	got := Sources(StatusReady)
	if len(got) != 2 || got[0] != StatusQueued || got[1] != StatusBuilding {
		t.Fatalf("unexpected sources for READY: %v", got)
	}
	if got := Sources(StatusBuilding); len(got) != 1 || got[0] != StatusQueued {
		t.Fatalf("unexpected sources for BUILDING: %v", got)
	}
	if got := Sources(StatusQueued); len(got) != 0 {
		t.Fatalf("QUEUED should not be reachable, got %v", got)
	}
}
