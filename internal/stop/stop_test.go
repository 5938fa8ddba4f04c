package stop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignal(t *testing.T) {
	s := New(3)
	assert.False(t, s.IsSet())
	assert.Equal(t, uint64(3), s.Generation())

	select {
	case <-s.Done():
		t.Fatal("done closed before Set")
	default:
	}

	s.Set()
	s.Set()
	assert.True(t, s.IsSet())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after Set")
	}
}

func TestSignalConcurrentSet(t *testing.T) {
	s := New(1)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set()
		}()
	}
	wg.Wait()
	assert.True(t, s.IsSet())
}

func TestSignalsAreIndependent(t *testing.T) {
	a, b := New(1), New(2)
	a.Set()
	assert.True(t, a.IsSet())
	assert.False(t, b.IsSet())
}
