package pool

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"tg_forwarder/internal/forwarder/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newCred(capacity int) models.Credential {
	return models.Credential{ID: primitive.NewObjectID(), Capacity: capacity, Status: models.CredentialActive}
}

func newManager(t *testing.T, capacities ...int) (*Manager, []models.Credential) {
	t.Helper()
	m := NewManager()
	creds := make([]models.Credential, 0, len(capacities))
	for _, c := range capacities {
		cred := newCred(c)
		require.NoError(t, m.Add(cred))
		creds = append(creds, cred)
	}
	return m, creds
}

func TestAssignPicksLowestRatioWithInsertionOrderTies(t *testing.T) {
	m, creds := newManager(t, 2, 4)

	first, err := m.Assign("a")
	require.NoError(t, err)
	assert.Equal(t, creds[0].Key(), first.Key(), "tie goes to first inserted")

	// a: 1/2 vs 0/4
	second, err := m.Assign("b")
	require.NoError(t, err)
	assert.Equal(t, creds[1].Key(), second.Key())

	// 1/2 vs 1/4
	third, err := m.Assign("c")
	require.NoError(t, err)
	assert.Equal(t, creds[1].Key(), third.Key())
	assert.Equal(t, 2, third.Used)
}

func TestAssignIsIdempotent(t *testing.T) {
	m, _ := newManager(t, 2, 2)

	first, err := m.Assign("a")
	require.NoError(t, err)
	again, err := m.Assign("a")
	require.NoError(t, err)

	assert.Equal(t, first.Key(), again.Key())
	assert.Equal(t, 1, again.Used)
	assert.Equal(t, 1, m.Stats().Used)
}

func TestAssignNotAvailable(t *testing.T) {
	m, _ := newManager(t, 1)

	_, err := m.Assign("a")
	require.NoError(t, err)

	_, err = m.Assign("b")
	require.True(t, errors.Is(err, ErrNotAvailable))

	empty := NewManager()
	_, err = empty.Assign("a")
	require.True(t, errors.Is(err, ErrNotAvailable))
}

func TestAssignSkipsDisabledCredentials(t *testing.T) {
	m, creds := newManager(t, 5, 5)
	require.NoError(t, m.SetStatus(creds[0].Key(), models.CredentialDisabled))

	got, err := m.Assign("a")
	require.NoError(t, err)
	assert.Equal(t, creds[1].Key(), got.Key())
}

func TestReleaseFreesCapacity(t *testing.T) {
	m, creds := newManager(t, 1)

	_, err := m.Assign("a")
	require.NoError(t, err)

	released, ok := m.Release("a")
	require.True(t, ok)
	assert.Equal(t, creds[0].Key(), released.Key())
	assert.Equal(t, 0, released.Used)

	_, ok = m.Release("a")
	assert.False(t, ok, "second release is a no-op")

	_, err = m.Assign("b")
	require.NoError(t, err)
}

func TestRemove(t *testing.T) {
	m, creds := newManager(t, 2)

	_, err := m.Assign("a")
	require.NoError(t, err)

	err = m.Remove(creds[0].Key())
	require.True(t, errors.Is(err, ErrCredentialInUse))

	m.Release("a")
	require.NoError(t, m.Remove(creds[0].Key()))
	assert.Empty(t, m.Credentials())

	err = m.Remove(creds[0].Key())
	require.True(t, errors.Is(err, ErrUnknownCredential))
}

func TestAddRejectsDuplicatesAndZeroCapacity(t *testing.T) {
	m := NewManager()
	cred := newCred(2)
	require.NoError(t, m.Add(cred))
	require.True(t, errors.Is(m.Add(cred), ErrDuplicateCredential))
	require.Error(t, m.Add(newCred(0)))
}

func TestRebalanceDistributesEvenly(t *testing.T) {
	m := NewManager()
	first := newCred(10)
	require.NoError(t, m.Add(first))
	for i := 0; i < 7; i++ {
		_, err := m.Assign(fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}

	second, third := newCred(10), newCred(10)
	require.NoError(t, m.Add(second))
	require.NoError(t, m.Add(third))

	creds, bindings := m.Rebalance()
	require.Len(t, creds, 3)
	assert.Equal(t, 3, creds[0].Used)
	assert.Equal(t, 2, creds[1].Used)
	assert.Equal(t, 2, creds[2].Used)
	assert.Len(t, bindings, 7)

	for i := 0; i < 7; i++ {
		_, ok := m.Binding(fmt.Sprintf("c%d", i))
		assert.True(t, ok)
	}
}

func TestRebalanceRespectsCapacity(t *testing.T) {
	m := NewManager()
	big := newCred(6)
	require.NoError(t, m.Add(big))
	for i := 0; i < 6; i++ {
		_, err := m.Assign(fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}
	small := newCred(1)
	require.NoError(t, m.Add(small))

	creds, bindings := m.Rebalance()
	assert.Equal(t, 5, creds[0].Used)
	assert.Equal(t, 1, creds[1].Used)
	assert.Len(t, bindings, 6)
}

func TestRestoreDropsInvalidBindings(t *testing.T) {
	m, creds := newManager(t, 1)

	dropped := m.Restore(map[string]string{
		"a": creds[0].Key(),
		"b": creds[0].Key(),
		"c": "missing",
	})

	assert.ElementsMatch(t, []string{"b", "c"}, dropped)
	key, ok := m.Binding("a")
	require.True(t, ok)
	assert.Equal(t, creds[0].Key(), key)
}

func TestStats(t *testing.T) {
	m, creds := newManager(t, 4, 4)
	_, _ = m.Assign("a")
	_, _ = m.Assign("b")
	require.NoError(t, m.SetStatus(creds[1].Key(), models.CredentialDisabled))

	st := m.Stats()
	assert.Equal(t, 2, st.Credentials)
	assert.Equal(t, 4, st.Capacity)
	assert.Equal(t, 2, st.Used)
	assert.Equal(t, 3, st.Available)
}

func TestConcurrentAssignNeverExceedsCapacity(t *testing.T) {
	m, _ := newManager(t, 3, 5, 2)

	var wg sync.WaitGroup
	var mu sync.Mutex
	assigned := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Assign(fmt.Sprintf("c%d", i)); err == nil {
				mu.Lock()
				assigned++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, assigned)
	for _, cred := range m.Credentials() {
		assert.LessOrEqual(t, cred.Used, cred.Capacity)
	}
}
