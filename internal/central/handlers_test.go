package central

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ariesdockerd/ariesdockerd/internal/audit"
	"github.com/ariesdockerd/ariesdockerd/internal/auth"
	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/token"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(token.NewIssuer("shh"), nil)
}

func TestAuditWrap_RecordsSuccessAndFailure(t *testing.T) {
	reg := newTestRegistry()
	store := audit.NewRingStore(16)
	reg.SetAuditStore(store)

	ok := auditWrap(reg, "ping", func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		return map[string]any{"pong": true}, true, nil
	})
	fail := auditWrap(reg, "boom", func(ctx context.Context, conn *wire.Conn, f wire.Frame) (any, bool, error) {
		return nil, false, errs.New(errs.BadRequestShape, "nope")
	})

	cs := &ConnState{AuthKind: auth.User, AuthName: "alice"}
	ctx := WithConnState(context.Background(), cs)

	_, respond, err := ok(ctx, nil, wire.Frame{Ticket: "t1"})
	require.NoError(t, err)
	require.True(t, respond)

	_, _, err = fail(ctx, nil, wire.Frame{Ticket: "t2"})
	require.Error(t, err)

	events, qerr := store.Query(context.Background(), audit.QueryOptions{})
	require.NoError(t, qerr)
	require.Len(t, events, 2)

	byCmd := map[string]*audit.Event{}
	for _, e := range events {
		byCmd[e.Cmd] = e
	}
	require.Equal(t, 0, byCmd["ping"].Code)
	require.Equal(t, "alice", byCmd["ping"].User)
	require.Equal(t, int(errs.BadRequestShape), byCmd["boom"].Code)
	require.Equal(t, "nope", byCmd["boom"].Msg)
}

func TestRequireUser_RejectsNonUserConnections(t *testing.T) {
	_, err := requireUser(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.NoPermission, errs.As(err).Code)

	cs := &ConnState{AuthKind: auth.Daemon}
	ctx := WithConnState(context.Background(), cs)
	_, err = requireUser(ctx)
	require.Equal(t, errs.NoPermission, errs.As(err).Code)

	cs = &ConnState{AuthKind: auth.User, AuthName: "alice"}
	ctx = WithConnState(context.Background(), cs)
	got, err := requireUser(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", got.AuthName)
}

func TestNodesHandler_RequiresUserAuth(t *testing.T) {
	reg := newTestRegistry()
	h := nodesHandler(reg)

	_, _, err := h(context.Background(), nil, wire.Frame{})
	require.Error(t, err)
	require.Equal(t, errs.NoPermission, errs.As(err).Code)
}

func TestNodesHandler_EmptyWithNoDaemons(t *testing.T) {
	reg := newTestRegistry()
	h := nodesHandler(reg)
	cs := &ConnState{AuthKind: auth.User, AuthName: "alice"}
	ctx := WithConnState(context.Background(), cs)

	out, respond, err := h(ctx, nil, wire.Frame{})
	require.NoError(t, err)
	require.True(t, respond)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	nodes, ok := m["nodes"].(map[string]json.RawMessage)
	require.True(t, ok)
	require.Empty(t, nodes)
}

func TestAnySuccessHandler_RequiresContainerArg(t *testing.T) {
	reg := newTestRegistry()
	h := anySuccessHandler(reg, "stop_container")
	cs := &ConnState{AuthKind: auth.User, AuthName: "alice"}
	ctx := WithConnState(context.Background(), cs)

	_, _, err := h(ctx, nil, wire.Frame{})
	require.Error(t, err)
	require.Equal(t, errs.BadRequestShape, errs.As(err).Code)
}
