package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutex(t *testing.T) {
	l := Mutex()

	l.Lock()
	assert.False(t, l.TryLock())
	l.Unlock()

	assert.True(t, l.TryLock())
	l.Unlock()
}

func TestMutexExcludes(t *testing.T) {
	l := Mutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock()
			defer l.Unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestNoop(t *testing.T) {
	l := Noop()

	l.Lock()
	assert.True(t, l.TryLock())
	l.Unlock()
	l.Unlock()
}
