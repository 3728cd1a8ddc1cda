package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageValidate(t *testing.T) {
	m := NewMessage("alpha", "beta", MsgDirect, "hi", PriorityHigh)
	require.NoError(t, m.Validate())
	assert.NotEmpty(t, m.MessageID)
	assert.False(t, m.Timestamp.IsZero())
}

func TestMessageValidateRejectsSelfSend(t *testing.T) {
	m := NewMessage("alpha", "alpha", MsgDirect, "hi", PriorityHigh)
	err := m.Validate()
	require.Error(t, err)
	assert.True(t, Is(err, KindInvalidSpec))
}

func TestMessageValidateRejectsBadPriority(t *testing.T) {
	m := NewMessage("alpha", "beta", MsgDirect, "hi", Priority("BOGUS"))
	err := m.Validate()
	require.Error(t, err)
	assert.True(t, Is(err, KindInvalidSpec))
}

func TestPriorityRankOrdering(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
}

func TestSubscriptionMatches(t *testing.T) {
	sub := Subscription{TypeFilter: MsgTaskRequest, MetaPredicate: map[string]string{"taskId": "t1"}}
	match := NewMessage("a", "b", MsgTaskRequest, "body", PriorityLow)
	match.Metadata["taskId"] = "t1"
	assert.True(t, sub.Matches(match))

	mismatch := NewMessage("a", "b", MsgTaskRequest, "body", PriorityLow)
	mismatch.Metadata["taskId"] = "t2"
	assert.False(t, sub.Matches(mismatch))
}

func TestRiskLevelAtOrBelow(t *testing.T) {
	assert.True(t, RiskLow.AtOrBelow(RiskMedium))
	assert.False(t, RiskHigh.AtOrBelow(RiskMedium))
	assert.True(t, RiskCritical.AtOrBelow(RiskCritical))
}

func TestErrorIsMatchesOnKindOnly(t *testing.T) {
	err := Wrap(KindStorageIO, assert.AnError, "writing journal")
	assert.True(t, Is(err, KindStorageIO))
	assert.False(t, Is(err, KindTimeout))
}
