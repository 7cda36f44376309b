package service

import (
	"testing"

	"candy-panel/internal/model"
)

func TestAggregateScenario(t *testing.T) {
	roster := []model.Server{
		{ID: 1, Status: model.ServerStatusActive, DashboardCache: &model.DashboardSnapshot{
			CPU:          "12.5%",
			ClientsCount: 5,
			Net:          model.NetStats{Download: "10 KB/s", Upload: "2 KB/s"},
		}},
		{ID: 2, Status: model.ServerStatusUnreachable},
	}
	fleet := Aggregate(roster)

	if fleet.ClientsCount != 5 {
		t.Fatalf("expected 5 clients, got %d", fleet.ClientsCount)
	}
	if fleet.Net.Download != "10.00 KB/s" || fleet.Net.Upload != "2.00 KB/s" {
		t.Fatalf("unexpected net %+v", fleet.Net)
	}
	if fleet.Status != FleetPartiallyUnreachable {
		t.Fatalf("expected %q, got %q", FleetPartiallyUnreachable, fleet.Status)
	}
	if fleet.CPU != "12.5%" || fleet.SampleServerID == nil || *fleet.SampleServerID != 1 {
		t.Fatalf("expected cpu sampled from server 1, got %s (%v)", fleet.CPU, fleet.SampleServerID)
	}
}

func TestAggregateStatusPrecedence(t *testing.T) {
	s := func(statuses ...model.ServerStatus) []model.Server {
		out := make([]model.Server, len(statuses))
		for i, st := range statuses {
			out[i] = model.Server{ID: uint(i + 1), Status: st}
		}
		return out
	}
	cases := []struct {
		roster []model.Server
		want   string
	}{
		{s(model.ServerStatusError, model.ServerStatusUnreachable, model.ServerStatusActive), FleetPartiallyUnreachable},
		{s(model.ServerStatusActive, model.ServerStatusError), FleetPartiallyErrored},
		{s(model.ServerStatusActive, model.ServerStatusActive), FleetAllActive},
		{s(model.ServerStatusActive, model.ServerStatusInactive), FleetMixedStatus},
		{nil, FleetUnknown},
	}
	for _, tc := range cases {
		if got := Aggregate(tc.roster).Status; got != tc.want {
			t.Fatalf("roster %+v: expected %q, got %q", tc.roster, tc.want, got)
		}
	}
}

func TestAggregateDegradesOnBadValues(t *testing.T) {
	roster := []model.Server{
		{ID: 1, Status: model.ServerStatusError, DashboardCache: &model.DashboardSnapshot{
			CPU:          "99%",
			ClientsCount: 3,
			Alert:        model.StringList{"disk full", "cpu high"},
			Bandwidth:    "garbage",
			Net:          model.NetStats{Download: "n/a", Upload: ""},
		}},
		{ID: 2, Status: model.ServerStatusActive, DashboardCache: &model.DashboardSnapshot{
			CPU:          "5%",
			Mem:          model.MemStats{Total: "2.00 GB", Available: "1.00 GB", Usage: "50%"},
			Uptime:       "3600",
			ClientsCount: 4,
			Alert:        model.StringList{"cpu high"},
			Bandwidth:    "2048",
			Net:          model.NetStats{Download: "1.5 MB/s", Upload: "512 B/s"},
		}},
		{ID: 3, Status: model.ServerStatusActive},
	}
	fleet := Aggregate(roster)

	if fleet.ClientsCount != 7 {
		t.Fatalf("expected 7 clients, got %d", fleet.ClientsCount)
	}
	if fleet.Net.Download != "1536.00 KB/s" || fleet.Net.Upload != "0.50 KB/s" {
		t.Fatalf("unexpected net %+v", fleet.Net)
	}
	if len(fleet.Alert) != 2 || fleet.Alert[0] != "disk full" || fleet.Alert[1] != "cpu high" {
		t.Fatalf("expected de-duplicated alerts, got %v", fleet.Alert)
	}
	if fleet.Bandwidth != "2048" {
		t.Fatalf("unexpected bandwidth %s", fleet.Bandwidth)
	}
	// Server 1 is not active, so the sample comes from server 2.
	if fleet.CPU != "5%" || fleet.Uptime != "3600" || fleet.Mem.Usage != "50%" {
		t.Fatalf("unexpected sample %+v", fleet)
	}
	if fleet.StatusCount[model.ServerStatusActive] != 2 {
		t.Fatalf("unexpected status counts %v", fleet.StatusCount)
	}
	if roster[0].DashboardCache.Alert[0] != "disk full" || len(roster[1].DashboardCache.Alert) != 1 {
		t.Fatalf("aggregate must not mutate cached snapshots")
	}
}

func TestAggregateWithoutActiveCache(t *testing.T) {
	fleet := Aggregate([]model.Server{{ID: 1, Status: model.ServerStatusActive}})
	if fleet.CPU != Unavailable || fleet.Uptime != Unavailable || fleet.Mem.Total != Unavailable {
		t.Fatalf("expected unavailable sample, got %+v", fleet)
	}
	if fleet.SampleServerID != nil {
		t.Fatalf("expected no sample server")
	}
	if fleet.ClientsCount != 0 || fleet.Net.Download != "0.00 KB/s" {
		t.Fatalf("missing caches contribute zero, got %+v", fleet)
	}
}
