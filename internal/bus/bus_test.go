package bus

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func TestMemoryBusNeverEchoesToPublisher(t *testing.T) {
	medium := NewMemoryBus()
	a := medium.Join()
	b := medium.Join()
	c := medium.Join()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) Handler {
		return func(m Message) {
			mu.Lock()
			got[name] = append(got[name], m.From)
			mu.Unlock()
		}
	}
	a.Subscribe(record("a"))
	b.Subscribe(record("b"))
	c.Subscribe(record("c"))

	if err := a.Publish(Message{Kind: KindPing, From: "a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got["a"]) != 0 {
		t.Fatalf("publisher received its own message: %v", got["a"])
	}
	for _, name := range []string{"b", "c"} {
		if len(got[name]) != 1 || got[name][0] != "a" {
			t.Fatalf("endpoint %s received %v, want one message from a", name, got[name])
		}
	}
}

func TestMemoryBusReplyFromHandler(t *testing.T) {
	medium := NewMemoryBus()
	a := medium.Join()
	b := medium.Join()

	pongs := make(chan Message, 1)
	a.Subscribe(func(m Message) {
		if m.Kind == KindPong {
			pongs <- m
		}
	})
	b.Subscribe(func(m Message) {
		if m.Kind == KindPing {
			b.Publish(Message{Kind: KindPong, From: "b", To: m.From})
		}
	})

	if err := a.Publish(Message{Kind: KindPing, From: "a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case m := <-pongs:
		if m.To != "a" {
			t.Fatalf("pong addressed to %q, want a", m.To)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong delivered")
	}
}

func TestMemoryBusCloseAll(t *testing.T) {
	medium := NewMemoryBus()
	ep := medium.Join()
	medium.CloseAll()
	if err := ep.Publish(Message{Kind: KindPing, From: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after CloseAll = %v, want ErrClosed", err)
	}
}

func TestMemoryEndpointClose(t *testing.T) {
	medium := NewMemoryBus()
	a := medium.Join()
	b := medium.Join()

	delivered := make(chan Message, 1)
	b.Subscribe(func(m Message) { delivered <- m })
	b.Close()

	if err := b.Publish(Message{Kind: KindPing, From: "b"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish on closed endpoint = %v, want ErrClosed", err)
	}
	if err := a.Publish(Message{Kind: KindPing, From: "a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case m := <-delivered:
		t.Fatalf("closed endpoint received %v", m)
	case <-time.After(30 * time.Millisecond):
	}
}

// reserveAddr picks a loopback port that is free at the time of the call.
func reserveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestTCPBusHubAndClients(t *testing.T) {
	addr := reserveAddr(t)

	hub, err := DialTCP(addr)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer hub.Close()
	c1, err := DialTCP(addr)
	if err != nil {
		t.Fatalf("dial client 1: %v", err)
	}
	defer c1.Close()
	c2, err := DialTCP(addr)
	if err != nil {
		t.Fatalf("dial client 2: %v", err)
	}
	defer c2.Close()

	recv := func(name string, b *TCPBus) chan Message {
		ch := make(chan Message, 8)
		b.Subscribe(func(m Message) { ch <- m })
		return ch
	}
	hubCh := recv("hub", hub)
	c1Ch := recv("c1", c1)
	c2Ch := recv("c2", c2)

	wait := func(ch chan Message, wantFrom string) {
		t.Helper()
		select {
		case m := <-ch:
			if m.From != wantFrom {
				t.Fatalf("received from %q, want %q", m.From, wantFrom)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no message from %q", wantFrom)
		}
	}

	// Client publish reaches the hub and the other client, not the sender.
	if err := c1.Publish(Message{Kind: KindPing, From: "c1"}); err != nil {
		t.Fatalf("client publish: %v", err)
	}
	wait(hubCh, "c1")
	wait(c2Ch, "c1")
	select {
	case m := <-c1Ch:
		t.Fatalf("sender received its own frame: %v", m)
	case <-time.After(50 * time.Millisecond):
	}

	// Hub publish reaches every client.
	if err := hub.Publish(Message{Kind: KindPong, From: "hub", To: "c1"}); err != nil {
		t.Fatalf("hub publish: %v", err)
	}
	wait(c1Ch, "hub")
	wait(c2Ch, "hub")
}

func TestTCPBusClientRebindsAfterHubLoss(t *testing.T) {
	addr := reserveAddr(t)

	hub, err := DialTCP(addr)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	c1, err := DialTCP(addr)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer c1.Close()

	hub.Close()

	// The client should take over the address and accept a fresh attachment.
	deadline := time.Now().Add(3 * time.Second)
	var c2 *TCPBus
	for time.Now().Before(deadline) {
		c2, err = DialTCP(addr)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("no instance rebound the bus address: %v", err)
	}
	defer c2.Close()

	got := make(chan Message, 1)
	c1.Subscribe(func(m Message) { got <- m })
	// The rebind may still be settling; retry the publish briefly.
	for i := 0; i < 20; i++ {
		if err := c2.Publish(Message{Kind: KindPing, From: fmt.Sprintf("probe-%d", i)}); err == nil {
			select {
			case <-got:
				return
			case <-time.After(100 * time.Millisecond):
			}
		} else {
			time.Sleep(50 * time.Millisecond)
		}
	}
	t.Fatal("no traffic across the rebuilt bus")
}
