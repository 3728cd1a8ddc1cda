package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nox/internal/eventbus"
	"nox/internal/store"
	"nox/pkg/proto"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir(), false)
	require.NoError(t, err)
	bus := eventbus.New(16)
	return New(st, bus, 20*time.Millisecond)
}

func lowRiskReq() proto.ApprovalRequest {
	return proto.ApprovalRequest{
		Type:        "agent_create",
		Title:       "create agent beta",
		RequestedBy: "alpha",
		RiskLevel:   proto.RiskLow,
	}
}

func TestAutoApproveAtOrBelowThreshold(t *testing.T) {
	m := newTestManager(t)
	req := lowRiskReq()
	threshold := proto.RiskMedium
	req.AutoApproveThreshold = &threshold

	ok, err := m.RequestApproval(req)
	require.NoError(t, err)
	assert.True(t, ok)

	hist, err := m.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, proto.ApprovalAutoApproved, hist[0].Status)
	require.NotNil(t, hist[0].Response)
	assert.Equal(t, "auto", hist[0].Response.DecidedBy) // no callback invoked
}

func TestHighRiskNeverAutoApprovesAgainstMediumThreshold(t *testing.T) {
	m := newTestManager(t)
	m.Start() // the sweeper resolves the blocked request once it expires
	defer m.Stop()
	req := lowRiskReq()
	req.RiskLevel = proto.RiskHigh
	threshold := proto.RiskMedium
	req.AutoApproveThreshold = &threshold
	deadline := time.Now().UTC().Add(10 * time.Millisecond)
	req.ExpiresAt = &deadline

	ok, err := m.RequestApproval(req)
	require.NoError(t, err)
	assert.False(t, ok, "HIGH must not auto-approve against a MEDIUM threshold")
}

func TestCallbackDecidesApproveOrReject(t *testing.T) {
	m := newTestManager(t)
	m.SetDecisionCallback(func(rec *proto.ApprovalRecord) (bool, string, error) {
		return rec.Request.RiskLevel == proto.RiskLow, "policy", nil
	})

	ok, err := m.RequestApproval(lowRiskReq())
	require.NoError(t, err)
	assert.True(t, ok)

	req := lowRiskReq()
	req.RiskLevel = proto.RiskCritical
	ok, err = m.RequestApproval(req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCallbackPanicIsRejectionWithCallbackError(t *testing.T) {
	m := newTestManager(t)
	m.SetDecisionCallback(func(rec *proto.ApprovalRecord) (bool, string, error) {
		panic("boom")
	})

	ok, err := m.RequestApproval(lowRiskReq())
	require.NoError(t, err)
	assert.False(t, ok)

	hist, err := m.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "callback_error", hist[0].Response.Reason)
}

func TestExpirySweeperTransitionsPendingToExpired(t *testing.T) {
	m := newTestManager(t)
	m.Start()
	defer m.Stop()

	req := lowRiskReq()
	deadline := time.Now().UTC().Add(5 * time.Millisecond)
	req.ExpiresAt = &deadline

	done := make(chan bool, 1)
	go func() {
		ok, err := m.RequestApproval(req)
		require.NoError(t, err)
		done <- ok
	}()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("requestApproval did not return within expiry + sweep interval")
	}

	pending := m.GetPending()
	assert.Empty(t, pending)
}

func TestRespondAfterTerminalReturnsFalseWithoutMutation(t *testing.T) {
	m := newTestManager(t)
	req := lowRiskReq()
	threshold := proto.RiskMedium
	req.AutoApproveThreshold = &threshold
	ok, err := m.RequestApproval(req)
	require.NoError(t, err)
	require.True(t, ok)

	hist, err := m.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	id := hist[0].ApprovalID

	changed, err := m.Respond(id, true, "human", "too late")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRespondApprovesPendingRequestAndUnblocksWaiter(t *testing.T) {
	m := newTestManager(t)
	req := lowRiskReq()

	done := make(chan bool, 1)
	go func() {
		ok, err := m.RequestApproval(req)
		require.NoError(t, err)
		done <- ok
	}()

	var id string
	require.Eventually(t, func() bool {
		pending := m.GetPending()
		if len(pending) == 0 {
			return false
		}
		id = pending[0].ApprovalID
		return true
	}, time.Second, time.Millisecond)

	changed, err := m.Respond(id, true, "human", "looks fine")
	require.NoError(t, err)
	assert.True(t, changed)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("requestApproval did not unblock after respond()")
	}
}
