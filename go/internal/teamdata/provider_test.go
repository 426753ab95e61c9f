package teamdata

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mcdev12/gamesync/go/internal/protocol"
)

func ptr[T any](v T) *T { return &v }

func TestAssembleGroupsRowsByTeam(t *testing.T) {
	rows := []kpiRow{
		{TeamID: "t1", TeamName: "Alpha", KPIKey: ptr("capital"), Value: ptr(1200.0)},
		{TeamID: "t1", TeamName: "Alpha", KPIKey: ptr("cost"), Value: ptr(300.0)},
		{TeamID: "t2", TeamName: "Bravo"},
		{TeamID: "t3", TeamName: "Charlie", KPIKey: ptr("capital"), Value: ptr(900.0)},
	}

	got := assemble(3, rows)

	want := &protocol.TeamSnapshot{
		Round: 3,
		Teams: []protocol.TeamKPIs{
			{TeamID: "t1", TeamName: "Alpha", KPIs: map[string]float64{"capital": 1200, "cost": 300}},
			{TeamID: "t2", TeamName: "Bravo", KPIs: map[string]float64{}},
			{TeamID: "t3", TeamName: "Charlie", KPIs: map[string]float64{"capital": 900}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleEmptySession(t *testing.T) {
	got := assemble(1, nil)
	if got.Round != 1 || len(got.Teams) != 0 || got.Teams == nil {
		t.Errorf("expected empty non-nil team list, got %+v", got)
	}
}
