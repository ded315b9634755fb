package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/cryptogarden/attribution/pkg/errors"
)

func newTestProgress() ReferralProgress {
	return NewProgress("CG-AB12CD", UTM{Source: "twitter", Medium: "social", Campaign: "launch"}, "/landing")
}

func TestNewProgress(t *testing.T) {
	p := newTestProgress()

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "CG-AB12CD", p.ReferralCode)
	assert.Equal(t, StepInitiated, p.Step)
	assert.Equal(t, "twitter", p.UTMSource)
	assert.Equal(t, "social", p.UTMMedium)
	assert.Equal(t, "launch", p.UTMCampaign)
	assert.Equal(t, "/landing", p.LandingPage)
	assert.False(t, p.Terminal())
	assert.Equal(t, OpTrackClick, p.NextOperation())
}

func TestWithClickTracked(t *testing.T) {
	p := newTestProgress()

	tracked := p.WithClickTracked("h1")
	assert.Equal(t, StepClickTracked, tracked.Step)
	assert.Equal(t, "h1", tracked.IPHash)
	assert.Equal(t, OpNone, tracked.NextOperation())

	t.Run("idempotent re-entry", func(t *testing.T) {
		again := tracked.WithClickTracked("h1")
		assert.Equal(t, tracked, again)
	})

	t.Run("does not regress or overwrite from a later step", func(t *testing.T) {
		connected, err := tracked.WithWalletConnected("0xabc")
		require.NoError(t, err)
		again := connected.WithClickTracked("h2")
		assert.Equal(t, StepWalletConnected, again.Step)
		assert.Equal(t, "h1", again.IPHash)
	})
}

func TestWithWalletConnected(t *testing.T) {
	tracked := newTestProgress().WithClickTracked("h1")

	t.Run("advances from click_tracked", func(t *testing.T) {
		connected, err := tracked.WithWalletConnected("0xabc")
		require.NoError(t, err)
		assert.Equal(t, StepWalletConnected, connected.Step)
		assert.Equal(t, "0xabc", connected.WalletAddress)
		assert.Equal(t, OpRegisterConversion, connected.NextOperation())
	})

	t.Run("records wallet without advancing from initiated", func(t *testing.T) {
		early, err := newTestProgress().WithWalletConnected("0xabc")
		require.NoError(t, err)
		assert.Equal(t, StepInitiated, early.Step)
		assert.Equal(t, "0xabc", early.WalletAddress)
	})

	t.Run("idempotent for the same wallet", func(t *testing.T) {
		connected, err := tracked.WithWalletConnected("0xabc")
		require.NoError(t, err)
		again, err := connected.WithWalletConnected("0xabc")
		require.NoError(t, err)
		assert.Equal(t, connected.Step, again.Step)
		assert.Equal(t, "0xabc", again.WalletAddress)
	})

	t.Run("rejects a conflicting wallet", func(t *testing.T) {
		connected, err := tracked.WithWalletConnected("0xabc")
		require.NoError(t, err)
		rejected, err := connected.WithWalletConnected("0xdef")
		assert.ErrorIs(t, err, pkgerrors.ErrWalletConflict)
		assert.Equal(t, "0xabc", rejected.WalletAddress)
		assert.Equal(t, connected.Step, rejected.Step)
	})
}

func TestWithConversion(t *testing.T) {
	connected, err := newTestProgress().WithClickTracked("h1").WithWalletConnected("0xabc")
	require.NoError(t, err)

	t.Run("pending bonus stays at conversion_registered", func(t *testing.T) {
		registered := connected.WithConversion(ConversionOutcome{
			Registered: true,
			Referrer:   "0xdef",
			Level:      2,
		})
		assert.Equal(t, StepConversionRegistered, registered.Step)
		assert.True(t, registered.Registered)
		assert.Equal(t, "0xdef", registered.Referrer)
		assert.Equal(t, 2, registered.Level)
		assert.False(t, registered.Terminal())
		assert.Equal(t, OpRegisterConversion, registered.NextOperation(), "pending bonus keeps the registration poll eligible")
	})

	t.Run("distributed bonus completes the workflow", func(t *testing.T) {
		completed := connected.WithConversion(ConversionOutcome{
			Registered:       true,
			Referrer:         "0xdef",
			BonusDistributed: true,
			BonusTotalAmount: 42.5,
		})
		assert.Equal(t, StepCompleted, completed.Step)
		assert.True(t, completed.Terminal())
		assert.Equal(t, OpNone, completed.NextOperation())
		assert.InDelta(t, 42.5, completed.BonusTotalAmount, 0.0001)
	})
}

func TestWithError(t *testing.T) {
	p := newTestProgress()

	failed := p.WithError(OpTrackClick, "connection refused")
	assert.Equal(t, StepInitiated, failed.Step, "recording an error never changes the step")
	require.NotNil(t, failed.LastError)
	assert.Equal(t, OpTrackClick, failed.LastError.Operation)
	assert.Equal(t, "connection refused", failed.LastError.Message)
	assert.Equal(t, 1, failed.Attempts(OpTrackClick))

	again := failed.WithError(OpTrackClick, "timeout")
	assert.Equal(t, 2, again.Attempts(OpTrackClick))
	assert.Equal(t, "timeout", again.LastError.Message)

	t.Run("counters are per operation", func(t *testing.T) {
		mixed := again.WithError(OpRegisterConversion, "500")
		assert.Equal(t, 2, mixed.Attempts(OpTrackClick))
		assert.Equal(t, 1, mixed.Attempts(OpRegisterConversion))
	})

	t.Run("original value is untouched", func(t *testing.T) {
		assert.Nil(t, p.LastError)
		assert.Zero(t, p.Attempts(OpTrackClick))
	})
}

func TestStepMonotonic(t *testing.T) {
	p := newTestProgress()
	ranks := []int{p.Step.Rank()}

	p = p.WithClickTracked("h1")
	ranks = append(ranks, p.Step.Rank())

	p = p.WithError(OpRegisterConversion, "boom")
	ranks = append(ranks, p.Step.Rank())

	p, err := p.WithWalletConnected("0xabc")
	require.NoError(t, err)
	ranks = append(ranks, p.Step.Rank())

	p = p.WithConversion(ConversionOutcome{Registered: true})
	ranks = append(ranks, p.Step.Rank())

	p = p.Completed()
	ranks = append(ranks, p.Step.Rank())

	for i := 1; i < len(ranks); i++ {
		assert.GreaterOrEqual(t, ranks[i], ranks[i-1], "step rank regressed at transition %d", i)
	}
}
