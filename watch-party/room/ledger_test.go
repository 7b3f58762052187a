package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerAppendAssignsIDs(t *testing.T) {
	l := NewLedger(0)

	a := l.Append("c1", "Alice", "hi", "", 0, 1000)
	b := l.Append("c1", "Alice", "again", "", 0, 1000)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)

	kept := l.Append("c2", "Bob", "mine", "client-1", 900, 1001)
	assert.Equal(t, "client-1", kept.ID)
	assert.Equal(t, int64(1001), kept.Time)
	assert.Equal(t, int64(900), kept.ClientTime)

	dup := l.Append("c2", "Bob", "dup", "client-1", 0, 1002)
	assert.NotEqual(t, "client-1", dup.ID)

	assert.Equal(t, 4, l.Len())
	hist := l.History()
	require.Len(t, hist, 4)
	assert.Equal(t, []string{"hi", "again", "mine", "dup"}, []string{hist[0].Text, hist[1].Text, hist[2].Text, hist[3].Text})
	assert.Empty(t, hist[0].DeliveredBy)
	assert.NotNil(t, hist[0].SeenBy)
}

func TestLedgerDeliveredFiresOnce(t *testing.T) {
	l := NewLedger(0)
	m := l.Append("a", "Alice", "hi", "", 0, 1)

	fired, err := l.AckDelivered("b", m.ID, 2)
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = l.AckDelivered("b", m.ID, 2)
	require.NoError(t, err)
	assert.False(t, fired, "duplicate ack must not count twice")
	got, _ := l.Get(m.ID)
	assert.Equal(t, []string{"b"}, got.DeliveredBy)

	fired, err = l.AckDelivered("a", m.ID, 2)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = l.AckDelivered("c", m.ID, 2)
	require.NoError(t, err)
	assert.False(t, fired)

	got, _ = l.Get(m.ID)
	assert.True(t, got.Delivered)
	assert.Equal(t, []string{"b", "a", "c"}, got.DeliveredBy)
}

func TestLedgerDeliveredNeedsLiveMembers(t *testing.T) {
	l := NewLedger(0)
	m := l.Append("a", "Alice", "hi", "", 0, 1)
	fired, err := l.AckDelivered("a", m.ID, 0)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestLedgerDeliveredIsPermanent(t *testing.T) {
	l := NewLedger(0)
	m := l.Append("a", "Alice", "hi", "", 0, 1)
	fired, _ := l.AckDelivered("a", m.ID, 1)
	require.True(t, fired)

	// membership grew afterwards; status does not regress
	fired, _ = l.AckDelivered("b", m.ID, 5)
	assert.False(t, fired)
	got, _ := l.Get(m.ID)
	assert.True(t, got.Delivered)
}

func TestLedgerSeenAccumulates(t *testing.T) {
	l := NewLedger(0)
	m := l.Append("a", "Alice", "hi", "", 0, 1)

	seenBy, added, err := l.AckSeen("b", m.ID)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"b"}, seenBy)

	seenBy, added, err = l.AckSeen("b", m.ID)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []string{"b"}, seenBy)

	seenBy, added, err = l.AckSeen("c", m.ID)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"b", "c"}, seenBy)

	seenBy[0] = "mutated"
	got, _ := l.Get(m.ID)
	assert.Equal(t, []string{"b", "c"}, got.SeenBy)
}

func TestLedgerUnknownMessage(t *testing.T) {
	l := NewLedger(0)
	_, err := l.AckDelivered("a", "nope", 1)
	assert.ErrorIs(t, err, ErrUnknownMessage)
	_, _, err = l.AckSeen("a", "nope")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestLedgerBoundedHistory(t *testing.T) {
	l := NewLedger(2)
	first := l.Append("a", "Alice", "one", "", 0, 1)
	l.Append("a", "Alice", "two", "", 0, 2)
	l.Append("a", "Alice", "three", "", 0, 3)

	hist := l.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "two", hist[0].Text)
	assert.Equal(t, "three", hist[1].Text)

	_, err := l.AckDelivered("b", first.ID, 1)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMessageStatus(t *testing.T) {
	m := Message{SenderID: "a"}
	assert.Equal(t, StatusSent, m.Status())

	m.SeenBy = []string{"a"}
	assert.Equal(t, StatusSent, m.Status(), "the sender seeing its own message does not count")

	m.Delivered = true
	assert.Equal(t, StatusDelivered, m.Status())

	m.SeenBy = append(m.SeenBy, "b")
	assert.Equal(t, StatusSeen, m.Status())
}
