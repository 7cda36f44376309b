package service

import (
	"context"
	"errors"
	"testing"

	"candy-panel/internal/fleeterr"
	"candy-panel/internal/transport"
)

type recordingRouter struct {
	calls  []Command
	failOn string
}

func (r *recordingRouter) Route(ctx context.Context, cmd Command) (*transport.Result, error) {
	r.calls = append(r.calls, cmd)
	if cmd.Resource == ResourceSetting && cmd.Payload["key"] == r.failOn {
		return nil, fleeterr.Agent("update setting", 500, "boom")
	}
	return &transport.Result{Success: true}, nil
}

func (r *recordingRouter) syncCalls() int {
	n := 0
	for _, c := range r.calls {
		if c.Resource == ResourceSync {
			n++
		}
	}
	return n
}

func TestStageHasNoSideEffects(t *testing.T) {
	router := &recordingRouter{}
	stager := NewSettingsStager(router, map[string]string{"dns": "8.8.8.8"})
	stager.Stage("dns", "1.1.1.1")
	stager.Stage("mtu", "1380")

	if len(router.calls) != 0 {
		t.Fatalf("stage must not route anything")
	}
	if got := stager.Staged(); got["dns"] != "1.1.1.1" || got["mtu"] != "1380" {
		t.Fatalf("unexpected staged map %v", got)
	}
}

func TestCommitOnlyChangedKeysThenSync(t *testing.T) {
	router := &recordingRouter{}
	stager := NewSettingsStager(router, map[string]string{"dns": "8.8.8.8", "mtu": "1420"})
	stager.Stage("dns", "8.8.8.8")
	stager.Stage("mtu", "1380")

	report, err := stager.Commit(context.Background(), 7)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(report.Applied) != 1 || report.Applied[0] != "mtu" || !report.Synced {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(router.calls) != 2 || router.calls[1].Resource != ResourceSync || router.calls[1].ServerID != 7 {
		t.Fatalf("expected one update then one sync, got %+v", router.calls)
	}
	if stager.Committed()["mtu"] != "1380" || len(stager.Staged()) != 0 {
		t.Fatalf("commit must move staged values into the baseline")
	}
}

func TestCommitPartialFailureKeepsEarlierKeys(t *testing.T) {
	router := &recordingRouter{failOn: "mtu"}
	stager := NewSettingsStager(router, map[string]string{})
	stager.Stage("dns", "1.1.1.1")
	stager.Stage("mtu", "1380")
	stager.Stage("reset_time", "24")

	report, err := stager.Commit(context.Background(), 3)
	if err == nil {
		t.Fatalf("expected commit to fail")
	}
	var fe *fleeterr.Error
	if !errors.As(err, &fe) || fe.Kind != fleeterr.KindAgent {
		t.Fatalf("expected classified cause, got %v", err)
	}
	if len(report.Applied) != 1 || report.Applied[0] != "dns" || report.Failed != "mtu" {
		t.Fatalf("unexpected report %+v", report)
	}
	if stager.Committed()["dns"] != "1.1.1.1" {
		t.Fatalf("first key must stay applied")
	}
	if router.syncCalls() != 0 || report.Synced {
		t.Fatalf("sync must not be sent after a failed commit")
	}
	staged := stager.Staged()
	if _, ok := staged["dns"]; ok || staged["mtu"] != "1380" || staged["reset_time"] != "24" {
		t.Fatalf("failed and remaining keys must stay staged, got %v", staged)
	}
}

func TestCommitWithoutFocusSkipsSync(t *testing.T) {
	router := &recordingRouter{}
	stager := NewSettingsStager(router, nil)
	stager.Stage("dns", "9.9.9.9")
	report, err := stager.Commit(context.Background(), 0)
	if err != nil || report.Synced || router.syncCalls() != 0 {
		t.Fatalf("no focused server means no sync, got %+v %v", report, err)
	}
}
