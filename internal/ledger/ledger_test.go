package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/ledger-agent/internal/database/dbtest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(dbtest.Open(t))
	require.NoError(t, err)
	return s
}

func TestAppend_ContiguousFromZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	roles := []Role{RoleRequester, RoleReasoner, RoleObservation, RoleReasoner}
	for i, r := range roles {
		turn, err := s.Append(ctx, "conv-1", r, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, turn.Sequence)
	}

	other, err := s.Append(ctx, "conv-2", RoleRequester, "independent")
	require.NoError(t, err)
	assert.Equal(t, 0, other.Sequence)

	turns, err := s.Turns(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, len(roles))
	for i, turn := range turns {
		assert.Equal(t, i, turn.Sequence)
		assert.Equal(t, roles[i], turn.Role)
		assert.Equal(t, fmt.Sprintf("turn %d", i), turn.Content)
	}
}

func TestAppend_ConcurrentWritersStayContiguous(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(ctx, "shared", RoleObservation, fmt.Sprintf("%d-%d", w, i)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns, err := s.Turns(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, turns, writers*perWriter)
	for i, turn := range turns {
		assert.Equal(t, i, turn.Sequence)
	}
}

func TestTurns_CannotBeRewritten(t *testing.T) {
	db := dbtest.Open(t)
	s, err := NewStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Append(ctx, "conv", RoleRequester, "original")
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE conversation_turns SET content = 'edited'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = db.Exec(`DELETE FROM conversation_turns`)
	assert.ErrorContains(t, err, "append-only")

	turns, err := s.Turns(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "original", turns[0].Content)
}

func TestAppend_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "", RoleRequester, "x")
	assert.Error(t, err)
	_, err = s.Append(ctx, "conv", Role("system"), "x")
	assert.ErrorContains(t, err, "invalid role")
}

func TestTurns_UnknownConversation(t *testing.T) {
	s := newTestStore(t)
	turns, err := s.Turns(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "b"} {
		_, err := s.Append(ctx, id, RoleRequester, "x")
		require.NoError(t, err)
	}

	convs, err := s.Conversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	counts := map[string]int{}
	for _, c := range convs {
		counts[c.ID] = c.Turns
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, counts)
}
