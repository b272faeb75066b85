package network

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
)

func dialPool(t *testing.T, p *ClientPool) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", p.Port()))
	if err != nil {
		t.Fatalf("dial pool: %v", err)
	}
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn) *protocol.Message {
	t.Helper()
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		t.Fatalf("read prefix: %v", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(lenBuf))
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	msg := &protocol.Message{}
	if err := json.Unmarshal(payload, msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg.Raw = payload
	return msg
}

func newListeningPool(t *testing.T, tokens ...string) *ClientPool {
	t.Helper()
	pool := NewClientPool(0)
	for i, token := range tokens {
		id, err := pool.DefineClient(token)
		if err != nil {
			t.Fatalf("defineClient: %v", err)
		}
		if id != i {
			t.Fatalf("defineClient id = %d, want %d", id, i)
		}
	}
	if err := pool.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		pool.Terminate()
		pool.OmitAllClients()
	})
	return pool
}

func TestPoolRejectsWrongToken(t *testing.T) {
	pool := newListeningPool(t, "T")
	conn := dialPool(t, pool)
	defer conn.Close()

	// A bare JSON string is not a Message; verification closes silently.
	writeFrame(t, conn, "T")
	time.Sleep(200 * time.Millisecond)

	if pool.IsConnected(0) {
		t.Error("slot bound after malformed handshake")
	}

	// The peer observes the close: writes fail once the reset propagates.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := conn.Write([]byte{0, 0, 0, 1, '1'}); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("writes kept succeeding after rejection")
}

func TestPoolAcceptsCorrectToken(t *testing.T) {
	pool := newListeningPool(t, "T")
	conn := dialPool(t, pool)
	defer conn.Close()

	writeFrame(t, conn, protocol.New(protocol.MsgToken, "T"))
	if err := pool.WaitForClient(0, 2*time.Second); err != nil {
		t.Fatalf("waitForClient: %v", err)
	}
	if !pool.IsConnected(0) {
		t.Error("slot not connected")
	}

	// The bound socket is usable in both directions.
	if err := pool.Queue(0, protocol.New("nothing")); err != nil {
		t.Fatalf("queue: %v", err)
	}
	pool.SendAllBlocking()
	if msg := readFrame(t, conn); msg.Name != "nothing" {
		t.Errorf("got %q", msg.Name)
	}
}

func TestPoolFanOut(t *testing.T) {
	const n = 16
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("token-%02d", i)
	}
	pool := newListeningPool(t, tokens...)

	conns := make([]net.Conn, n)
	for i := 0; i < n; i++ {
		conns[i] = dialPool(t, pool)
		defer conns[i].Close()
		writeFrame(t, conns[i], protocol.New(protocol.MsgToken, tokens[i]))
	}
	if err := pool.WaitForAllClients(5 * time.Second); err != nil {
		t.Fatalf("waitForAllClients: %v", err)
	}

	r := make([]int, n)
	for i := 0; i < n; i++ {
		r[i] = rand.Intn(1 << 20)
		pool.Queue(i, protocol.New("test", "arg0", r[i]))
	}
	pool.SendAllBlocking()

	for i := 0; i < n; i++ {
		msg := readFrame(t, conns[i])
		if msg.Name != "test" {
			t.Fatalf("client %d: name %q", i, msg.Name)
		}
		if msg.Args[0] != "arg0" || msg.Args[1] != float64(r[i]) {
			t.Errorf("client %d: args %v, want [arg0 %d]", i, msg.Args, r[i])
		}
	}
}

func TestPoolReceiveGating(t *testing.T) {
	pool := newListeningPool(t, "T")
	conn := dialPool(t, pool)
	defer conn.Close()
	writeFrame(t, conn, protocol.New(protocol.MsgToken, "T"))
	if err := pool.WaitForClient(0, 2*time.Second); err != nil {
		t.Fatalf("waitForClient: %v", err)
	}

	settle := func() { time.Sleep(150 * time.Millisecond) }

	writeFrame(t, conn, protocol.New("m1"))
	writeFrame(t, conn, protocol.New("m2"))
	settle()

	pool.StartReceivingAll()
	writeFrame(t, conn, protocol.New("m3"))
	settle()
	pool.StopReceivingAll()

	writeFrame(t, conn, protocol.New("m4"))
	writeFrame(t, conn, protocol.New("m5"))
	settle()

	msg, err := pool.GetReceivedMessage(0)
	if err != nil {
		t.Fatalf("getReceivedMessage: %v", err)
	}
	if msg == nil || msg.Name != "m3" {
		t.Fatalf("last-valid = %v, want m3", msg)
	}
	// Messages outside the window still land in last-received.
	last, _ := pool.handler(0)
	if got := last.LastReceived(); got == nil || got.Name != "m5" {
		t.Errorf("last-received = %v, want m5", got)
	}
}

func TestPoolWindowClearedAtStart(t *testing.T) {
	pool := newListeningPool(t, "T")
	conn := dialPool(t, pool)
	defer conn.Close()
	writeFrame(t, conn, protocol.New(protocol.MsgToken, "T"))
	if err := pool.WaitForClient(0, 2*time.Second); err != nil {
		t.Fatalf("waitForClient: %v", err)
	}

	pool.StartReceivingAll()
	writeFrame(t, conn, protocol.New("first"))
	time.Sleep(150 * time.Millisecond)
	pool.StopReceivingAll()

	// A fresh window starts empty even though the previous one was filled.
	pool.StartReceivingAll()
	pool.StopReceivingAll()
	msg, _ := pool.GetReceivedMessage(0)
	if msg != nil {
		t.Errorf("last-valid carried across windows: %v", msg)
	}
}

func TestPoolGetReceivedEvents(t *testing.T) {
	pool := newListeningPool(t, "T")
	conn := dialPool(t, pool)
	defer conn.Close()
	writeFrame(t, conn, protocol.New(protocol.MsgToken, "T"))
	if err := pool.WaitForClient(0, 2*time.Second); err != nil {
		t.Fatalf("waitForClient: %v", err)
	}

	if events, _ := pool.GetReceivedEvents(0); events != nil {
		t.Fatalf("events before any message: %v", events)
	}

	pool.StartReceivingAll()
	writeFrame(t, conn, protocol.New("move", []protocol.Event{{Type: "add", Args: []interface{}{7}}}))
	time.Sleep(150 * time.Millisecond)
	pool.StopReceivingAll()

	events, err := pool.GetReceivedEvents(0)
	if err != nil {
		t.Fatalf("getReceivedEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != "add" {
		t.Fatalf("events = %+v", events)
	}
}

func TestPoolDefineClientStates(t *testing.T) {
	pool := NewClientPool(0)
	if _, err := pool.DefineClient("A"); err != nil {
		t.Fatalf("defineClient: %v", err)
	}
	if _, err := pool.DefineClient("A"); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateToken", err)
	}
	if err := pool.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		pool.Terminate()
		pool.OmitAllClients()
	}()

	if _, err := pool.DefineClient("B"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("defineClient while listening = %v, want ErrInvalidState", err)
	}
	if err := pool.OmitAllClients(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("omitAllClients while listening = %v, want ErrInvalidState", err)
	}
}

func TestPoolWaitForAllClientsBudget(t *testing.T) {
	pool := NewClientPool(0)
	pool.DefineClient("A")
	pool.DefineClient("B")
	pool.DefineClient("C")
	defer pool.OmitAllClients()

	start := time.Now()
	err := pool.WaitForAllClients(300 * time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// One budget across all slots, not one budget per slot.
	if elapsed > 700*time.Millisecond {
		t.Errorf("waited %v for a 300ms budget", elapsed)
	}
}

func TestPoolRebindReplacesSocket(t *testing.T) {
	pool := newListeningPool(t, "T")

	first := dialPool(t, pool)
	defer first.Close()
	writeFrame(t, first, protocol.New(protocol.MsgToken, "T"))
	if err := pool.WaitForClient(0, 2*time.Second); err != nil {
		t.Fatalf("waitForClient: %v", err)
	}

	second := dialPool(t, pool)
	defer second.Close()
	writeFrame(t, second, protocol.New(protocol.MsgToken, "T"))
	time.Sleep(200 * time.Millisecond)

	pool.Queue(0, protocol.New("hello"))
	pool.SendAllBlocking()
	if msg := readFrame(t, second); msg.Name != "hello" {
		t.Errorf("second socket got %q", msg.Name)
	}
}
