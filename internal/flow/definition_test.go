package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxthelion/octopoid/internal/task"
)

func TestParseDefault(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)
	require.Equal(t, DefaultFlowName, def.Name)
	require.Contains(t, def.States, task.QueueProvisional)

	tr := def.FindTransition(task.QueueProvisional, task.QueueDone)
	require.NotNil(t, tr)
	require.Equal(t, "reviewer", tr.Agent)
	require.Len(t, tr.Conditions, 1)
	require.Equal(t, ConditionAgent, tr.Conditions[0].Type)
	require.Equal(t, []string{StepPushBranch, StepCreatePR}, tr.Runs)
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte("states:\n  - incoming\n  - done\n"))
	require.ErrorIs(t, err, task.ErrValidation)
}

func TestParseRequiresBuiltinStates(t *testing.T) {
	_, err := Parse([]byte("name: partial\nstates:\n  - incoming\n"))
	require.ErrorIs(t, err, task.ErrValidation)
	require.ErrorContains(t, err, "claimed")

	_, err = Parse([]byte("name: partial\nstates:\n  - incoming\n  - claimed\n  - done\n"))
	require.ErrorIs(t, err, task.ErrValidation)
	require.ErrorContains(t, err, "failed")
}

func TestParseRejectsUndeclaredTransitionState(t *testing.T) {
	doc := `name: bad
states:
  - incoming
  - claimed
  - done
  - failed
transitions:
  - from: incoming
    to: review
`
	_, err := Parse([]byte(doc))
	require.ErrorIs(t, err, task.ErrValidation)
	require.ErrorContains(t, err, "review")
}

func TestParseRejectsScriptConditionWithoutRun(t *testing.T) {
	doc := `name: bad
states:
  - incoming
  - claimed
  - done
  - failed
transitions:
  - from: incoming
    to: done
    conditions:
      - type: script
`
	_, err := Parse([]byte(doc))
	require.ErrorIs(t, err, task.ErrValidation)
}

func TestParseRejectsUnknownConditionType(t *testing.T) {
	doc := `name: bad
states:
  - incoming
  - claimed
  - done
  - failed
transitions:
  - from: incoming
    to: done
    conditions:
      - type: oracle
`
	_, err := Parse([]byte(doc))
	require.ErrorIs(t, err, task.ErrValidation)
}

func TestParseRejectsUndeclaredOnFail(t *testing.T) {
	doc := `name: bad
states:
  - incoming
  - claimed
  - done
  - failed
transitions:
  - from: incoming
    to: done
    conditions:
      - type: manual
        on_fail: purgatory
`
	_, err := Parse([]byte(doc))
	require.ErrorIs(t, err, task.ErrValidation)
}

func TestParseRejectsUndeclaredLeaseState(t *testing.T) {
	doc := `name: bad
states:
  - incoming
  - claimed
  - done
  - failed
lease_states:
  - review
`
	_, err := Parse([]byte(doc))
	require.ErrorIs(t, err, task.ErrValidation)
	require.ErrorContains(t, err, "review")
}

func TestFindTransitionMissing(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)
	require.Nil(t, def.FindTransition(task.QueueDone, task.QueueIncoming))
}

func TestRecordImpliesClaimedLease(t *testing.T) {
	doc := `name: custom
states:
  - incoming
  - claimed
  - done
  - failed
transitions:
  - from: incoming
    to: claimed
`
	def, err := Parse([]byte(doc))
	require.NoError(t, err)

	rec := def.Record(doc, time.Now())
	require.Equal(t, "custom", rec.Name)
	require.Equal(t, doc, rec.Document)
	require.Contains(t, rec.LeaseStates, task.QueueClaimed)

	// Extra lease states ride along; claimed is never duplicated.
	doc2 := `name: review
states:
  - incoming
  - claimed
  - review
  - done
  - failed
lease_states:
  - claimed
  - review
`
	def2, err := Parse([]byte(doc2))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{task.QueueClaimed, "review"},
		def2.Record(doc2, time.Now()).LeaseStates)
}
