package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadline/call-broker/internal/model"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func initial() State { return State{Status: model.CallStatusInitiated} }

func run(st State, events ...Event) (State, []Effect) {
	var all []Effect
	for _, e := range events {
		var effects []Effect
		st, effects = Transition(st, e)
		all = append(all, effects...)
	}
	return st, all
}

func TestParseProviderStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want model.CallStatus
	}{
		{"queued", model.CallStatusInitiated},
		{"initiated", model.CallStatusInitiated},
		{"ringing", model.CallStatusRinging},
		{"answered", model.CallStatusInProgress},
		{"in-progress", model.CallStatusInProgress},
		{"In-Progress", model.CallStatusInProgress},
		{"in_progress", model.CallStatusInProgress},
		{"completed", model.CallStatusCompleted},
		{"busy", model.CallStatusBusy},
		{"no-answer", model.CallStatusNoAnswer},
		{"failed", model.CallStatusFailed},
		{"canceled", model.CallStatusCanceled},
		{"cancelled", model.CallStatusCanceled},
		{" ringing ", model.CallStatusRinging},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseProviderStatus(tt.raw)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, raw := range []string{"", "dialing", "voicemail"} {
		_, ok := ParseProviderStatus(raw)
		assert.False(t, ok, raw)
	}
}

func TestTransition_HappyPath(t *testing.T) {
	st, effects := run(initial(),
		StatusEvent(model.CallStatusRinging, at(1)),
		StatusEvent(model.CallStatusInProgress, at(5)),
		StatusEvent(model.CallStatusCompleted, at(65)),
	)

	assert.Equal(t, []Effect{EffectAnswered, EffectFinalize}, effects)
	assert.Equal(t, model.CallStatusCompleted, st.Status)
	require.NotNil(t, st.Outcome)
	assert.Equal(t, model.CallOutcomeCompleted, *st.Outcome)
	assert.Equal(t, at(5), *st.AnsweredAt)
	assert.Equal(t, at(65), *st.EndedAt)
}

func TestTransition_AnsweredAtStampedOnce(t *testing.T) {
	t.Run("repeated in_progress keeps first stamp", func(t *testing.T) {
		st, effects := run(initial(),
			StatusEvent(model.CallStatusInProgress, at(3)),
			StatusEvent(model.CallStatusInProgress, at(9)),
		)
		assert.Equal(t, []Effect{EffectAnswered}, effects)
		assert.Equal(t, at(3), *st.AnsweredAt)
	})

	t.Run("direct from initiated", func(t *testing.T) {
		st, _ := run(initial(), StatusEvent(model.CallStatusInProgress, at(2)))
		require.NotNil(t, st.AnsweredAt)
		assert.Equal(t, at(2), *st.AnsweredAt)
	})
}

func TestTransition_NoBackwardMoves(t *testing.T) {
	st, effects := run(initial(),
		StatusEvent(model.CallStatusInProgress, at(2)),
		StatusEvent(model.CallStatusRinging, at(3)),
		StatusEvent(model.CallStatusInitiated, at(4)),
	)
	assert.Equal(t, model.CallStatusInProgress, st.Status)
	assert.Equal(t, []Effect{EffectAnswered}, effects)
}

func TestTransition_Terminality(t *testing.T) {
	st, _ := run(initial(), StatusEvent(model.CallStatusBusy, at(1)))
	require.Equal(t, model.CallOutcomeBusy, *st.Outcome)

	after, effects := run(st,
		StatusEvent(model.CallStatusCompleted, at(2)),
		StatusEvent(model.CallStatusInProgress, at(3)),
		DeclineEvent(at(4)),
		MediaStoppedEvent(at(5)),
	)
	assert.Empty(t, effects)
	assert.Equal(t, st, after)
}

func TestTransition_Decline(t *testing.T) {
	t.Run("decline then canceled resolves to declined", func(t *testing.T) {
		st, effects := run(initial(),
			StatusEvent(model.CallStatusRinging, at(1)),
			DeclineEvent(at(2)),
			StatusEvent(model.CallStatusCanceled, at(3)),
		)
		assert.Equal(t, []Effect{EffectFinalize}, effects)
		assert.Equal(t, model.CallStatusCanceled, st.Status)
		assert.Equal(t, model.CallOutcomeDeclined, *st.Outcome)
	})

	t.Run("canceled without decline is missed", func(t *testing.T) {
		st, _ := run(initial(),
			StatusEvent(model.CallStatusRinging, at(1)),
			StatusEvent(model.CallStatusCanceled, at(3)),
		)
		assert.Equal(t, model.CallOutcomeMissed, *st.Outcome)
	})

	t.Run("declined is not overwritten by later events", func(t *testing.T) {
		st, _ := run(initial(),
			DeclineEvent(at(1)),
			StatusEvent(model.CallStatusNoAnswer, at(2)),
			StatusEvent(model.CallStatusCanceled, at(3)),
			StatusEvent(model.CallStatusCompleted, at(4)),
		)
		assert.Equal(t, model.CallOutcomeDeclined, *st.Outcome)
		assert.Equal(t, model.CallStatusNoAnswer, st.Status)
	})

	t.Run("decline after answer is ignored", func(t *testing.T) {
		st, _ := run(initial(),
			StatusEvent(model.CallStatusInProgress, at(1)),
			DeclineEvent(at(2)),
			StatusEvent(model.CallStatusCompleted, at(30)),
		)
		assert.False(t, st.Declined)
		assert.Equal(t, model.CallOutcomeCompleted, *st.Outcome)
	})

	t.Run("decline alone does not end the call", func(t *testing.T) {
		st, effects := run(initial(), DeclineEvent(at(1)))
		assert.Empty(t, effects)
		assert.False(t, st.Status.IsTerminal())
		assert.True(t, st.Declined)
	})
}

func TestTransition_MediaStopped(t *testing.T) {
	t.Run("answered call completes", func(t *testing.T) {
		st, effects := run(initial(),
			StatusEvent(model.CallStatusInProgress, at(1)),
			MediaStoppedEvent(at(40)),
		)
		assert.Equal(t, []Effect{EffectAnswered, EffectFinalize}, effects)
		assert.Equal(t, model.CallOutcomeCompleted, *st.Outcome)
		assert.Equal(t, at(40), *st.EndedAt)
	})

	t.Run("unanswered call is missed", func(t *testing.T) {
		st, _ := run(initial(), MediaStoppedEvent(at(4)))
		assert.Equal(t, model.CallOutcomeMissed, *st.Outcome)
	})
}

func TestTransition_ZeroTimeUsesNow(t *testing.T) {
	before := time.Now()
	st, _ := Transition(initial(), StatusEvent(model.CallStatusFailed, time.Time{}))
	require.NotNil(t, st.EndedAt)
	assert.False(t, st.EndedAt.Before(before))
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		status   model.CallStatus
		answered bool
		declined bool
		want     model.CallOutcome
	}{
		{model.CallStatusCompleted, true, false, model.CallOutcomeCompleted},
		{model.CallStatusCompleted, false, false, model.CallOutcomeMissed},
		{model.CallStatusCanceled, false, false, model.CallOutcomeMissed},
		{model.CallStatusCanceled, false, true, model.CallOutcomeDeclined},
		{model.CallStatusBusy, false, false, model.CallOutcomeBusy},
		{model.CallStatusBusy, false, true, model.CallOutcomeDeclined},
		{model.CallStatusNoAnswer, false, false, model.CallOutcomeNoAnswer},
		{model.CallStatusFailed, false, false, model.CallOutcomeFailed},
		{model.CallStatusCompleted, true, true, model.CallOutcomeCompleted},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, OutcomeFor(tt.status, tt.answered, tt.declined))
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	answered := at(1)
	s := model.CallSession{CallID: "CA1", Status: model.CallStatusInProgress, AnsweredAt: &answered}

	st, _ := Transition(StateOf(s), StatusEvent(model.CallStatusCompleted, at(10)))
	st.Apply(&s)

	assert.Equal(t, "CA1", s.CallID)
	assert.Equal(t, model.CallStatusCompleted, s.Status)
	assert.Equal(t, model.CallOutcomeCompleted, *s.Outcome)
	assert.Equal(t, at(10), *s.EndedAt)
}
