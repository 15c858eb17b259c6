package central

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestV2Sessions_CreateGetDrop(t *testing.T) {
	sessions := newV2Sessions()

	session := sessions.create()
	require.NotEmpty(t, session.ID)

	got, ok := sessions.get(session.ID)
	require.True(t, ok)
	require.Same(t, session, got)

	sessions.drop(session.ID)
	_, ok = sessions.get(session.ID)
	require.False(t, ok)
}

func TestV2Sessions_UnknownIDNotFound(t *testing.T) {
	sessions := newV2Sessions()
	_, ok := sessions.get("does-not-exist")
	require.False(t, ok)
}
