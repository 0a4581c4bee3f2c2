package token

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTenantLocksEvictIdleEntries(t *testing.T) {
	locks := newTenantLocks()

	unlock := locks.lock("T1")
	require.Equal(t, 1, locks.size())
	unlock()
	require.Equal(t, 0, locks.size())

	// Lookups against arbitrary tenant IDs leave nothing behind
	for i := 0; i < 1000; i++ {
		locks.lock(fmt.Sprintf("T%04d", i))()
	}
	require.Equal(t, 0, locks.size())
}

func TestTenantLocksSerializeSameTenant(t *testing.T) {
	locks := newTenantLocks()

	var counter int
	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			unlock := locks.lock("T1")
			counter++
			unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 64, counter)
	require.Equal(t, 0, locks.size())
}
