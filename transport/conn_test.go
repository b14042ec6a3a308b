package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wirebus/auth"
	"wirebus/dispatch"
	"wirebus/message"
	"wirebus/signature"
)

func echoRegistry(t *testing.T) *dispatch.Registry {
	t.Helper()
	r := dispatch.NewRegistry(nil)
	r.RegisterMethod("/svc", "com.example.Svc", "Echo", &dispatch.Method{
		In:  signature.MustParse("s"),
		Out: signature.MustParse("s"),
		Fn: func(ctx context.Context, args []any) ([]any, error) {
			return []any{args[0].(string)}, nil
		},
	})
	r.RegisterMethod("/svc", "com.example.Svc", "Block", &dispatch.Method{
		Fn: func(ctx context.Context, args []any) ([]any, error) {
			select {} // never replies
		},
	})
	return r
}

// pipePair authenticates two connections over an in-memory pipe: one
// answering side with a handler registry, one calling side.
func pipePair(t *testing.T, serverOpts, clientOpts Options) (server, client *Connection) {
	t.Helper()
	sc, cc := net.Pipe()

	serverOpts.ServerAuth = &auth.ServerConfig{
		GUID:           "test-guid",
		VerifyExternal: func(string) bool { return true },
	}
	clientOpts.Mechanisms = []auth.Mechanism{auth.External{Identity: "1000"}}

	var wg sync.WaitGroup
	var serr, cerr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		server, serr = New(sc, &serverOpts)
	}()
	go func() {
		defer wg.Done()
		client, cerr = New(cc, &clientOpts)
	}()
	wg.Wait()
	require.NoError(t, serr)
	require.NoError(t, cerr)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestCallRoundTrip(t *testing.T) {
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	require.Equal(t, StateReady, client.State())
	require.Equal(t, "test-guid", client.GUID())

	out, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Echo",
		signature.MustParse("s"), "ping")
	require.NoError(t, err)
	require.Equal(t, "ping", out[0])
}

func TestCallErrorReply(t *testing.T) {
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	_, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Missing", signature.Sig{})
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, message.ErrNameUnknownMethod, ce.Name)
}

func TestConcurrentCallsGetDistinctSerials(t *testing.T) {
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	const n = 20
	results := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			out, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Echo",
				signature.MustParse("s"), fmt.Sprintf("msg-%d", i))
			if err != nil {
				errs <- err
				return
			}
			results <- out[0].(string)
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case s := <-results:
			require.False(t, seen[s], "duplicate reply %q", s)
			seen[s] = true
		case err := <-errs:
			t.Fatalf("call failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("calls did not complete")
		}
	}
}

func TestNextSerialSkipsZeroAndLive(t *testing.T) {
	c := &Connection{pending: map[uint32]*pendingCall{}}

	require.Equal(t, uint32(1), c.nextSerialLocked())
	require.Equal(t, uint32(2), c.nextSerialLocked())

	// Wraparound skips 0 and any serial still owned by a pending call.
	c.serial = ^uint32(0) - 1
	c.pending[^uint32(0)] = &pendingCall{}
	c.pending[1] = &pendingCall{}
	require.Equal(t, uint32(2), c.nextSerialLocked())
}

func TestCallTimeout(t *testing.T) {
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)},
		Options{DefaultCallTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Block", signature.Sig{})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Less(t, time.Since(start), 2*time.Second)

	// The pending entry is gone; a late reply would be dropped, not
	// delivered to anyone.
	client.mu.Lock()
	remaining := len(client.pending)
	client.mu.Unlock()
	require.Zero(t, remaining)

	// The connection stays usable.
	out, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Echo",
		signature.MustParse("s"), "still alive")
	require.NoError(t, err)
	require.Equal(t, "still alive", out[0])
}

// A caller-supplied deadline surfaces the same way the built-in timeout
// does; only plain cancellation passes the context error through.
func TestCallContextDeadline(t *testing.T) {
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "/svc", "com.example.Svc", "Block", signature.Sig{})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)

	client.mu.Lock()
	remaining := len(client.pending)
	client.mu.Unlock()
	require.Zero(t, remaining)
}

func TestCallContextCancel(t *testing.T) {
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, "/svc", "com.example.Svc", "Block", signature.Sig{})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call did not return")
	}

	client.mu.Lock()
	remaining := len(client.pending)
	client.mu.Unlock()
	require.Zero(t, remaining)
}

func TestCloseResolvesPendingCalls(t *testing.T) {
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	const n = 5
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Block", signature.Sig{})
			done <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	client.Close()

	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			var ce *ClosedError
			require.ErrorAs(t, err, &ce)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call not resolved on close")
		}
	}
	require.Equal(t, StateClosed, client.State())
	require.ErrorIs(t, client.Err(), ErrClosed)
}

// Calls racing Close must resolve with ClosedError promptly even when the
// pending insert lands after the shutdown snapshot: the outbound queue is
// buffered and stays writable after the pump goroutines exit, so a racing
// call can still enqueue and would otherwise sit out its full timeout.
func TestCallRacingCloseResolvesPromptly(t *testing.T) {
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)},
		Options{DefaultCallTimeout: 30 * time.Second})

	const n = 8
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			for {
				_, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Echo",
					signature.MustParse("s"), "x")
				if err != nil {
					done <- err
					return
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	client.Close()

	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			var ce *ClosedError
			require.ErrorAs(t, err, &ce)
		case <-time.After(2 * time.Second):
			t.Fatal("call racing close did not resolve promptly")
		}
	}
}

func TestPeerDisconnectFailsCalls(t *testing.T) {
	server, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Block", signature.Sig{})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	server.Close()

	select {
	case err := <-done:
		var ce *ClosedError
		require.ErrorAs(t, err, &ce)
	case <-time.After(2 * time.Second):
		t.Fatal("call not resolved on peer disconnect")
	}
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe the disconnect")
	}
}

func TestUnknownReplySerialDropped(t *testing.T) {
	server, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	// A reply correlating to nothing must be discarded silently.
	require.NoError(t, server.Send(context.Background(), message.NewReturn(99999)))

	out, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Echo",
		signature.MustParse("s"), "after stray reply")
	require.NoError(t, err)
	require.Equal(t, "after stray reply", out[0])
}

func TestSignalSubscription(t *testing.T) {
	server, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	sub := client.Subscribe(message.MatchRule{
		Kind:      message.KindSignal,
		Interface: "com.example.Svc",
		Member:    "Changed",
	}, 4)
	defer sub.Cancel()

	other := client.Subscribe(message.MatchRule{Member: "SomethingElse"}, 4)
	defer other.Cancel()

	require.NoError(t, server.Emit(context.Background(), "/svc", "com.example.Svc", "Changed",
		signature.MustParse("u"), uint32(42)))

	select {
	case m := <-sub.C():
		require.Equal(t, "Changed", m.Member())
		vals, err := m.BodyValues()
		require.NoError(t, err)
		require.Equal(t, uint32(42), vals[0])
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}

	select {
	case m := <-other.C():
		t.Fatalf("non-matching subscription got %v", m.Member())
	default:
	}
}

func TestSubscriptionCancel(t *testing.T) {
	_, client := pipePair(t, Options{}, Options{})

	sub := client.Subscribe(message.MatchRule{}, 1)
	sub.Cancel()
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed after Cancel")
	}
	// Cancelling twice is harmless.
	sub.Cancel()
}

func TestCloseCancelsSubscriptions(t *testing.T) {
	_, client := pipePair(t, Options{}, Options{})

	sub := client.Subscribe(message.MatchRule{}, 1)
	client.Close()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not cancelled on close")
	}
}

func TestNoReplyExpectedReturnsImmediately(t *testing.T) {
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)}, Options{})

	m := message.NewCall("/svc", "com.example.Svc", "Echo")
	m.Flags = message.FlagNoReplyExpected
	require.NoError(t, m.SetBody(signature.MustParse("s"), "fire and forget"))

	reply, err := client.CallMessage(context.Background(), m)
	require.NoError(t, err)
	require.Nil(t, reply)

	client.mu.Lock()
	remaining := len(client.pending)
	client.mu.Unlock()
	require.Zero(t, remaining)
}

func TestCallMessageRejectsNonCall(t *testing.T) {
	_, client := pipePair(t, Options{}, Options{})
	_, err := client.CallMessage(context.Background(), message.NewReturn(1))
	require.Error(t, err)
}

func TestCallOnClosedConnection(t *testing.T) {
	_, client := pipePair(t, Options{}, Options{})
	client.Close()

	_, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Echo",
		signature.MustParse("s"), "late")
	var ce *ClosedError
	require.ErrorAs(t, err, &ce)
}

func TestAuthFailureSurfacesBeforePump(t *testing.T) {
	sc, cc := net.Pipe()
	defer sc.Close()
	defer cc.Close()

	go New(sc, &Options{ServerAuth: &auth.ServerConfig{
		GUID:           "g",
		VerifyExternal: func(string) bool { return false },
	}})

	_, err := New(cc, &Options{Mechanisms: []auth.Mechanism{auth.External{Identity: "1"}}})
	require.Error(t, err)
	var ae *auth.Error
	require.ErrorAs(t, err, &ae)
}

func TestTimeoutUsesInjectedScheduler(t *testing.T) {
	fire := make(chan time.Time, 1)
	sched := &stubScheduler{after: fire}
	_, client := pipePair(t, Options{Handlers: echoRegistry(t)},
		Options{Scheduler: sched})

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "/svc", "com.example.Svc", "Block", signature.Sig{})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("call finished before the timer fired: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	fire <- time.Now()
	select {
	case err := <-done:
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
	case <-time.After(2 * time.Second):
		t.Fatal("firing the injected timer did not time the call out")
	}
}

// stubScheduler runs tasks as plain goroutines but hands out a caller
// controlled timer channel.
type stubScheduler struct {
	after chan time.Time
}

func (s *stubScheduler) Go(fn func()) { go fn() }

func (s *stubScheduler) After(time.Duration) <-chan time.Time { return s.after }
