package controlserver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-twamp/internal/controlclient"
	"github.com/kstaniek/go-twamp/internal/controlserver"
	"github.com/kstaniek/go-twamp/internal/sender"
	"github.com/kstaniek/go-twamp/internal/twamp"
	"github.com/stretchr/testify/require"
)

// runFullSession drives one Control-Client against one Server through the
// complete state machine plus a short Testing phase, returning the
// Session-Sender's records.
func runFullSession(t *testing.T, numPackets uint32) []twamp.SessionRecord {
	t.Helper()
	srv := controlserver.NewServer(
		controlserver.WithListenAddr("127.0.0.1:0"),
		controlserver.WithReflectHost("127.0.0.1"),
		controlserver.WithHandshakeTimeout(2*time.Second),
		controlserver.WithSessionTimeout(5*time.Second),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-serveErr:
		t.Fatalf("server exited before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	defer func() { _ = srv.Shutdown(context.Background()) }()

	client, err := controlclient.Dial(ctx, srv.Addr(), nil)
	require.NoError(t, err)
	defer client.Close()

	const to = 2 * time.Second

	_, err = client.ReadGreeting(to)
	require.NoError(t, err)
	require.NoError(t, client.SendSetUp(to))
	_, err = client.ReadServerStart(to)
	require.NoError(t, err)

	senderConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	senderPort := senderConn.LocalAddr().(*net.UDPAddr).Port

	req := twamp.RequestTWSession{
		SenderPort:   uint16(senderPort),
		ReceiverPort: 0,
		SenderAddr:   net.ParseIP("127.0.0.1"),
		ReceiverAddr: net.ParseIP("127.0.0.1"),
		PaddingLen:   0,
		StartTime:    twamp.Now(),
		Timeout:      twamp.FromTime(time.Now().Add(5 * time.Second)),
	}
	require.NoError(t, client.SendRequest(req, to))
	accept, err := client.ReadAccept(to)
	require.NoError(t, err)

	senderConn.Close()
	testConn, err := net.DialUDP("udp",
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: senderPort},
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(accept.Port)})
	require.NoError(t, err)
	defer testConn.Close()

	require.NoError(t, client.SendStart(to))
	_, err = client.ReadStartAck(to)
	require.NoError(t, err)

	snd := sender.New(testConn, sender.Config{
		NumPackets:     numPackets,
		InterPacketGap: time.Millisecond,
		Timeout:        2 * time.Second,
	}, nil)
	records, err := snd.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, client.SendStop(to))
	return records
}

func TestFullSession_AllPacketsReflected(t *testing.T) {
	records := runFullSession(t, 10)
	require.Len(t, records, 10)
	for i, r := range records {
		require.Truef(t, r.Present, "record %d not reflected", i)
	}
}

func TestFullSession_ModeMismatchRejected(t *testing.T) {
	srv := controlserver.NewServer(controlserver.WithListenAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	defer func() { _ = srv.Shutdown(context.Background()) }()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	var greeting [64]byte
	_, err = conn.Read(greeting[:])
	require.NoError(t, err)

	setup := twamp.SetUpResponse{Mode: 0x2} // unsupported mode
	enc := setup.Encode()
	_, err = conn.Write(enc[:])
	require.NoError(t, err)

	var startBuf [48]byte
	_, err = conn.Read(startBuf[:])
	require.NoError(t, err)
	start, err := twamp.DecodeServerStart(startBuf)
	require.NoError(t, err)
	require.Equal(t, twamp.AcceptNotSupported, start.Accept)
}

// TestFullSession_SecondRequestRejected confirms the Server rejects a
// second Request-TW-Session on the same connection with TempResourceLimit
// instead of negotiating a second reflector.
func TestFullSession_SecondRequestRejected(t *testing.T) {
	srv := controlserver.NewServer(
		controlserver.WithListenAddr("127.0.0.1:0"),
		controlserver.WithReflectHost("127.0.0.1"),
		controlserver.WithHandshakeTimeout(2*time.Second),
		controlserver.WithSessionTimeout(5*time.Second),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	defer func() { _ = srv.Shutdown(context.Background()) }()

	client, err := controlclient.Dial(ctx, srv.Addr(), nil)
	require.NoError(t, err)
	defer client.Close()

	const to = 2 * time.Second
	_, err = client.ReadGreeting(to)
	require.NoError(t, err)
	require.NoError(t, client.SendSetUp(to))
	_, err = client.ReadServerStart(to)
	require.NoError(t, err)

	req := twamp.RequestTWSession{
		SenderPort:   20000,
		SenderAddr:   net.ParseIP("127.0.0.1"),
		ReceiverAddr: net.ParseIP("127.0.0.1"),
		StartTime:    twamp.Now(),
		Timeout:      twamp.FromTime(time.Now().Add(5 * time.Second)),
	}
	require.NoError(t, client.SendRequest(req, to))
	accept, err := client.ReadAccept(to)
	require.NoError(t, err)
	require.Equal(t, twamp.AcceptOk, accept.Accept)

	// Second request on the same connection must be rejected.
	require.NoError(t, client.SendRequest(req, to))
	_, err = client.ReadAccept(to)
	require.Error(t, err)
	var acceptErr *controlclient.AcceptNotOkError
	require.ErrorAs(t, err, &acceptErr)
	require.Equal(t, twamp.AcceptTempResourceLimit, acceptErr.Accept)
}
