package jobid

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDeterministic(t *testing.T) {
	a, err := Compute("/tmp/upload/map.mbtiles", "1700000000000-1")
	require.NoError(t, err)
	b, err := Compute("/tmp/upload/map.mbtiles", "1700000000000-1")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, Length)
	assert.True(t, Valid(a))
}

func TestComputeDifferentSalt(t *testing.T) {
	a, err := Compute("/tmp/upload/map.mbtiles", "1")
	require.NoError(t, err)
	b, err := Compute("/tmp/upload/map.mbtiles", "2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestComputeKnownDigest(t *testing.T) {
	// sha256("abc")
	id, err := Compute("ab", "c")
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", id)
}

func TestComputeRejectsInvalidInput(t *testing.T) {
	_, err := Compute("", "salt")
	assert.Error(t, err)

	_, err = Compute("map\xff.mbtiles", "salt")
	assert.Error(t, err)
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("../etc"))
	assert.False(t, Valid("zz7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"))
}

func TestSalterNeverRepeats(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	s := &Salter{now: func() time.Time { return fixed }}

	const n = 200
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			salt := s.Next()
			mu.Lock()
			seen[salt] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}
