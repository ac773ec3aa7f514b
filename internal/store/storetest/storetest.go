// Package storetest holds behavior checks shared by every store backend.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botrunner/internal/store"
)

// Run exercises s against the semantics every backend must provide.
// s must be empty and have its schema ensured.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("desired", func(t *testing.T) {
		m, err := s.LoadDesired(ctx)
		require.NoError(t, err)
		assert.Empty(t, m)

		require.NoError(t, s.SetDesired(ctx, "A", true))
		require.NoError(t, s.SetDesired(ctx, "B", false))
		require.NoError(t, s.SetDesired(ctx, "C", true))
		require.NoError(t, s.SetDesired(ctx, "C", true))
		m, err = s.LoadDesired(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"A": true, "B": false, "C": true}, m)

		require.NoError(t, s.SetDesired(ctx, "A", false))
		m, err = s.LoadDesired(ctx)
		require.NoError(t, err)
		assert.False(t, m["A"])

		require.ErrorIs(t, s.SetDesired(ctx, "", true), store.ErrEmptyTenant)
	})

	t.Run("bans", func(t *testing.T) {
		banned, err := s.IsBanned(ctx, "7")
		require.NoError(t, err)
		assert.False(t, banned)

		require.NoError(t, s.Ban(ctx, "7"))
		require.NoError(t, s.Ban(ctx, "7"))
		require.NoError(t, s.Ban(ctx, "3"))
		banned, err = s.IsBanned(ctx, "7")
		require.NoError(t, err)
		assert.True(t, banned)

		list, err := s.ListBanned(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "7"}, list)

		require.NoError(t, s.Unban(ctx, "7"))
		require.NoError(t, s.Unban(ctx, "never-banned"))
		banned, err = s.IsBanned(ctx, "7")
		require.NoError(t, err)
		assert.False(t, banned)

		require.ErrorIs(t, s.Ban(ctx, ""), store.ErrEmptyTenant)
	})

	t.Run("roster", func(t *testing.T) {
		require.NoError(t, s.TouchTenant(ctx, "u2"))
		require.NoError(t, s.TouchTenant(ctx, "u1"))
		require.NoError(t, s.TouchTenant(ctx, "u2"))
		list, err := s.ListTenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u2"}, list)
	})
}
