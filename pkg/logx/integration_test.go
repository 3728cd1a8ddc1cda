package logx_test

import (
	"os"
	"testing"
	"time"

	"nox/internal/approval"
	"nox/internal/eventbus"
	"nox/internal/store"
	"nox/pkg/logx"
	"nox/pkg/proto"
)

// TestApprovalManagerDrivesDebugLogging exercises this package's debug
// helpers through a real consumer: internal/approval.Manager.RequestApproval
// logs through logx.DebugMessage on its auto-approve path, and its expiry
// transition logs through logx.DebugToFile into approval-expiry.log.
func TestApprovalManagerDrivesDebugLogging(t *testing.T) {
	dir := t.TempDir()
	logx.SetDebugConfig(true, true, dir)
	logx.SetDebugDomains(nil)
	t.Cleanup(func() { logx.SetDebugConfig(false, false, "") })

	st, err := store.Open(dir, false)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	bus := eventbus.New(16)
	mgr := approval.New(st, bus, 20*time.Millisecond)

	threshold := proto.RiskMedium
	approved, err := mgr.RequestApproval(proto.ApprovalRequest{
		Type:                 "capability_install",
		Title:                "install curl",
		RequestedBy:          "agent-1",
		RiskLevel:            proto.RiskLow,
		AutoApproveThreshold: &threshold,
	})
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !approved {
		t.Fatal("expected auto-approval under threshold")
	}

	entries := logx.GetRecentLogEntries("approval", time.Time{})
	found := false
	for _, e := range entries {
		if e.Domain == "approval" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected RequestApproval's auto-approve path to populate the approval domain's log buffer")
	}

	// Drive the expiry path: a request whose window has already elapsed by
	// the time the sweeper's next tick runs transitionToExpired, which logs
	// via logx.DebugToFile into approval-expiry.log.
	mgr.Start()
	defer mgr.Stop()

	requestedAt := time.Now().UTC().Add(-time.Hour)
	expiresAt := requestedAt.Add(time.Millisecond)
	approved, err = mgr.RequestApproval(proto.ApprovalRequest{
		Type:        "capability_install",
		Title:       "install nmap",
		RequestedBy: "agent-2",
		RiskLevel:   proto.RiskHigh,
		RequestedAt: requestedAt,
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		t.Fatalf("RequestApproval (expiring): %v", err)
	}
	if approved {
		t.Error("expected the already-elapsed request to expire, not approve")
	}

	content, err := os.ReadFile(dir + "/approval-expiry.log")
	if err != nil {
		t.Fatalf("expected transitionToExpired to write an audit log: %v", err)
	}
	if len(content) == 0 {
		t.Error("expected non-empty approval expiry audit log")
	}
}
