package decks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evkernel/ekernel/internal/ring"
	"github.com/evkernel/ekernel/internal/routing"
	"github.com/evkernel/ekernel/internal/wire"
)

type recordingNotifier struct {
	calls []uint64
}

func (n *recordingNotifier) OnEventCompleted(entry *routing.Entry, lastIdx int, errorCode uint16) {
	n.calls = append(n.calls, entry.EventID)
	if lastIdx >= 0 {
		entry.Transferred[lastIdx] = true
	}
}

func TestExecutionDeck_PublishesResultAndRemovesEntry(t *testing.T) {
	tbl := routing.NewTable(4)
	results, err := ring.NewResultRing(false)
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	d := NewExecutionDeck(tbl, results, notifier, 0)

	event := &wire.RingEvent{Type: 100, WorkflowID: 7}
	id, entry := tbl.Insert(event, 0)
	entry.SetResult(routing.DeckResult{Kind: routing.ResultValue, Scalar: 42}, 0)

	outcome := d.Process(context.Background(), entry)
	require.Equal(t, routing.OutcomeCompleted, outcome)
	require.Equal(t, []uint64{id}, notifier.calls)

	_, exists := tbl.Get(id)
	require.False(t, exists)

	var got wire.RingResult
	require.True(t, results.Pop(&got))
	require.Equal(t, id, got.EventID)
	require.EqualValues(t, 7, got.WorkflowID)
}

func TestExecutionDeck_AbortedEntryGetsNegativeStatus(t *testing.T) {
	tbl := routing.NewTable(4)
	results, err := ring.NewResultRing(false)
	require.NoError(t, err)
	d := NewExecutionDeck(tbl, results, nil, 0)

	event := &wire.RingEvent{Type: 100}
	_, entry := tbl.Insert(event, 0)
	entry.AbortFlag = true
	entry.ErrorCode = 0x0304

	d.Process(context.Background(), entry)

	var got wire.RingResult
	require.True(t, results.Pop(&got))
	require.EqualValues(t, -1, got.Status)
	require.EqualValues(t, 0x0304, got.ErrorCode)
}

func TestExecutionDeck_FreesUntransferredHeapResult(t *testing.T) {
	tbl := routing.NewTable(4)
	results, err := ring.NewResultRing(false)
	require.NoError(t, err)
	d := NewExecutionDeck(tbl, results, nil, 0)

	event := &wire.RingEvent{Type: 100}
	_, entry := tbl.Insert(event, 0)
	entry.SetResult(routing.DeckResult{Kind: routing.ResultHeap, Bytes: []byte("x")}, 0)

	outcome := d.Process(context.Background(), entry)
	require.Equal(t, routing.OutcomeCompleted, outcome)
	// No notifier took ownership, so FreeResults zeroes the untransferred slot.
	require.Equal(t, routing.DeckResult{}, entry.DeckResults[0])
}
