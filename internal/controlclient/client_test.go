package controlclient_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-twamp/internal/controlclient"
	"github.com/kstaniek/go-twamp/internal/twamp"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestReadGreeting_RejectsUnsupportedMode(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		g := twamp.ServerGreeting{Modes: 0x2} // not unauthenticated
		enc := g.Encode()
		_, _ = conn.Write(enc[:])
	}()

	client, err := controlclient.Dial(context.Background(), ln.Addr().String(), nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.ReadGreeting(2 * time.Second)
	require.Error(t, err)
	var acceptErr *controlclient.AcceptNotOkError
	require.ErrorAs(t, err, &acceptErr)
}

func TestReadServerStart_RejectsNonOkAccept(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		g := twamp.ServerGreeting{Modes: twamp.ModeUnauthenticated}
		genc := g.Encode()
		_, _ = conn.Write(genc[:])

		var setupBuf [164]byte
		_, _ = conn.Read(setupBuf[:])

		s := twamp.ServerStart{Accept: twamp.AcceptNotSupported, StartTime: twamp.Now()}
		senc := s.Encode()
		_, _ = conn.Write(senc[:])
	}()

	client, err := controlclient.Dial(context.Background(), ln.Addr().String(), nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.ReadGreeting(2 * time.Second)
	require.NoError(t, err)
	require.NoError(t, client.SendSetUp(2*time.Second))

	_, err = client.ReadServerStart(2 * time.Second)
	require.Error(t, err)
	var acceptErr *controlclient.AcceptNotOkError
	require.ErrorAs(t, err, &acceptErr)
}

func TestWatchIdle_ReportsPeerClose(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		g := twamp.ServerGreeting{Modes: twamp.ModeUnauthenticated}
		genc := g.Encode()
		_, _ = conn.Write(genc[:])
		time.Sleep(50 * time.Millisecond)
		// Simulate the Responder hanging up mid-session instead of
		// answering Set-Up-Response.
	}()

	client, err := controlclient.Dial(context.Background(), ln.Addr().String(), nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.ReadGreeting(2 * time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := client.WatchIdle(ctx)

	select {
	case idleErr := <-errCh:
		require.Error(t, idleErr)
		require.ErrorIs(t, idleErr, controlclient.ErrPeerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchIdle did not report peer close")
	}
}

func TestDial_ConnectionRefusedWrapsErrDial(t *testing.T) {
	ln := listenLoopback(t)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	_, err := controlclient.Dial(context.Background(), addr, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, controlclient.ErrDial)
}
