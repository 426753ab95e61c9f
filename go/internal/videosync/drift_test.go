package videosync

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDecide(t *testing.T) {
	cfg := DefaultDriftConfig()
	settled := 10 * time.Second

	tests := []struct {
		name      string
		local     Sample
		reference Sample
		since     time.Duration
		want      Correction
		wantOK    bool
	}{
		{
			name:      "within tolerance",
			local:     Sample{Playing: true, CurrentTime: 20},
			reference: Sample{Playing: true, CurrentTime: 21.4},
			since:     settled,
		},
		{
			name:      "play state differs within tolerance",
			local:     Sample{Playing: false, CurrentTime: 20},
			reference: Sample{Playing: true, CurrentTime: 20.5},
			since:     settled,
		},
		{
			name:      "small drift aligns play state only",
			local:     Sample{Playing: false, CurrentTime: 20},
			reference: Sample{Playing: true, CurrentTime: 22},
			since:     settled,
			want:      Correction{Play: true},
			wantOK:    true,
		},
		{
			name:      "small drift with matching play state",
			local:     Sample{Playing: true, CurrentTime: 20},
			reference: Sample{Playing: true, CurrentTime: 22},
			since:     settled,
		},
		{
			name:      "large drift seeks",
			local:     Sample{Playing: true, CurrentTime: 20},
			reference: Sample{Playing: true, CurrentTime: 25},
			since:     settled,
			want:      Correction{Seek: true, SeekTo: 25},
			wantOK:    true,
		},
		{
			name:      "large drift pauses and seeks",
			local:     Sample{Playing: true, CurrentTime: 30},
			reference: Sample{Playing: false, CurrentTime: 12},
			since:     settled,
			want:      Correction{Pause: true, Seek: true, SeekTo: 12},
			wantOK:    true,
		},
		{
			name:      "recent command suppresses correction",
			local:     Sample{Playing: true, CurrentTime: 20},
			reference: Sample{Playing: false, CurrentTime: 40},
			since:     time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decide(cfg, tt.local, tt.reference, tt.since)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v (%+v)", tt.wantOK, ok, got)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("correction mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
