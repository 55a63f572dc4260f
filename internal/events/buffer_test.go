package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/classycam/internal/zone"
)

func ev(id int) zone.Event {
	return zone.Event{Kind: zone.UnauthorizedEntry, EntityID: id}
}

func ids(evs []zone.Event) []int {
	out := make([]int, len(evs))
	for i, e := range evs {
		out[i] = e.EntityID
	}
	return out
}

func TestBuffer_AddAndGetAll(t *testing.T) {
	b := NewBuffer(4)
	assert.Nil(t, b.GetAll())

	b.Add(ev(1), ev(2))
	b.Add(ev(3))

	assert.Equal(t, []int{1, 2, 3}, ids(b.GetAll()))
	assert.Equal(t, 3, b.Size())
}

func TestBuffer_OverwritesOldest(t *testing.T) {
	b := NewBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Add(ev(i))
	}

	assert.Equal(t, []int{3, 4, 5}, ids(b.GetAll()))
	assert.Equal(t, uint64(2), b.Dropped())
}

func TestBuffer_GetRecent(t *testing.T) {
	b := NewBuffer(5)
	for i := 1; i <= 7; i++ {
		b.Add(ev(i))
	}

	assert.Equal(t, []int{6, 7}, ids(b.GetRecent(2)))
	assert.Equal(t, []int{3, 4, 5, 6, 7}, ids(b.GetRecent(50)))
	assert.Nil(t, b.GetRecent(0))
}

func TestBuffer_DrainEmpties(t *testing.T) {
	b := NewBuffer(3)
	b.Add(ev(1), ev(2))

	assert.Equal(t, []int{1, 2}, ids(b.Drain()))
	assert.Zero(t, b.Size())
	assert.Nil(t, b.Drain())

	b.Add(ev(9))
	assert.Equal(t, []int{9}, ids(b.GetAll()))
}

func TestBuffer_Clear(t *testing.T) {
	b := NewBuffer(2)
	b.Add(ev(1), ev(2), ev(3))
	b.Clear()
	assert.Zero(t, b.Size())
	assert.Nil(t, b.GetAll())
}

func TestBuffer_ZeroCapacityHoldsOne(t *testing.T) {
	b := NewBuffer(0)
	b.Add(ev(1), ev(2))
	assert.Equal(t, []int{2}, ids(b.GetAll()))
}

func TestBuffer_ConcurrentAdd(t *testing.T) {
	b := NewBuffer(1000)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Add(ev(i))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 800, b.Size())
}
