package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpliceSession_CopiesBothDirections(t *testing.T) {
	session := NewSpliceSession("sess-1")

	clientOuter, clientInner := net.Pipe()
	daemonOuter, daemonInner := net.Pipe()

	session.SetDaemonLeg(daemonInner)
	session.SetClientLeg(clientInner)

	done := make(chan error, 1)
	go func() { done <- session.Splice(context.Background()) }()

	go func() {
		clientOuter.Write([]byte("hello daemon"))
	}()
	buf := make([]byte, 64)
	n, err := io.ReadFull(daemonOuter, buf[:len("hello daemon")])
	require.NoError(t, err)
	require.Equal(t, "hello daemon", string(buf[:n]))

	go func() {
		daemonOuter.Write([]byte("hello client"))
	}()
	n, err = io.ReadFull(clientOuter, buf[:len("hello client")])
	require.NoError(t, err)
	require.Equal(t, "hello client", string(buf[:n]))

	// the first leg to close ends the session for both
	clientOuter.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Splice did not return after the client leg closed")
	}
}

func TestSpliceSession_WaitsForBothLegs(t *testing.T) {
	session := NewSpliceSession("sess-2")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, inner := net.Pipe()
	session.SetClientLeg(inner)

	err := session.Splice(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
