package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// reattachInterval paces hub re-election after the hub instance dies.
const reattachInterval = 100 * time.Millisecond

// Snapshot frames can be large.
const maxFrameBytes = 32 * 1024 * 1024

// TCPBus implements Bus over a loopback hub socket. The first instance to
// bind the address becomes the hub and relays frames between all attached
// instances; everyone else connects as a client. When the hub instance dies
// its clients race to rebind, so the medium survives owner turnover.
type TCPBus struct {
	addr    string
	mu      sync.Mutex
	handler Handler
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup

	listener net.Listener       // hub mode
	conns    map[net.Conn]*sync.Mutex
	conn     net.Conn // client mode
	connWr   *sync.Mutex
}

// DialTCP attaches to the bus at addr, becoming the hub if nobody listens
// there yet.
func DialTCP(addr string) (*TCPBus, error) {
	b := &TCPBus{
		addr:  addr,
		quit:  make(chan struct{}),
		conns: make(map[net.Conn]*sync.Mutex),
	}
	if err := b.attach(); err != nil {
		return nil, fmt.Errorf("bus attach %s: %w", addr, err)
	}
	return b, nil
}

func (b *TCPBus) attach() error {
	ln, err := net.Listen("tcp", b.addr)
	if err == nil {
		b.mu.Lock()
		b.listener = ln
		b.conn = nil
		b.mu.Unlock()
		slog.Debug("bus hub listening", "addr", b.addr)
		b.wg.Add(1)
		go b.acceptLoop(ln)
		return nil
	}
	conn, derr := net.Dial("tcp", b.addr)
	if derr != nil {
		return fmt.Errorf("neither bind (%v) nor dial: %w", err, derr)
	}
	b.mu.Lock()
	b.listener = nil
	b.conn = conn
	b.connWr = &sync.Mutex{}
	b.mu.Unlock()
	slog.Debug("bus client attached", "addr", b.addr)
	b.wg.Add(1)
	go b.clientReadLoop(conn)
	return nil
}

// reattach runs after the hub goes away, retrying until attached or closed.
func (b *TCPBus) reattach() {
	for {
		select {
		case <-b.quit:
			return
		case <-time.After(reattachInterval):
		}
		if err := b.attach(); err == nil {
			return
		}
	}
}

func (b *TCPBus) acceptLoop(ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.quit:
			default:
				slog.Error("bus accept", "error", err)
			}
			return
		}
		b.mu.Lock()
		b.conns[conn] = &sync.Mutex{}
		b.mu.Unlock()
		b.wg.Add(1)
		go b.hubConnLoop(conn)
	}
}

// hubConnLoop reads frames from one client, delivers them locally, and
// relays them to every other client.
func (b *TCPBus) hubConnLoop(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Debug("bus: dropping malformed frame", "error", err)
			continue
		}
		b.deliver(m)
		b.relay(line, conn)
	}
}

func (b *TCPBus) clientReadLoop(conn net.Conn) {
	defer b.wg.Done()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Debug("bus: dropping malformed frame", "error", err)
			continue
		}
		b.deliver(m)
	}
	conn.Close()
	select {
	case <-b.quit:
		return
	default:
	}
	// Hub is gone; race to become the new hub.
	b.reattach()
}

// relay forwards a raw frame to all hub clients except origin.
func (b *TCPBus) relay(line []byte, origin net.Conn) {
	b.mu.Lock()
	targets := make(map[net.Conn]*sync.Mutex, len(b.conns))
	for c, wmu := range b.conns {
		if c != origin {
			targets[c] = wmu
		}
	}
	b.mu.Unlock()
	for c, wmu := range targets {
		writeFrame(c, wmu, line)
	}
}

func (b *TCPBus) Publish(m Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	hub := b.listener != nil
	conn := b.conn
	wmu := b.connWr
	b.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal bus frame: %w", err)
	}
	if hub {
		b.relay(data, nil)
		return nil
	}
	if conn == nil {
		return ErrClosed
	}
	if err := writeFrame(conn, wmu, data); err != nil {
		return fmt.Errorf("bus publish: %w", err)
	}
	return nil
}

func writeFrame(c net.Conn, wmu *sync.Mutex, line []byte) error {
	wmu.Lock()
	defer wmu.Unlock()
	if _, err := c.Write(line); err != nil {
		return err
	}
	_, err := c.Write([]byte{'\n'})
	return err
}

func (b *TCPBus) Subscribe(fn Handler) {
	b.mu.Lock()
	b.handler = fn
	b.mu.Unlock()
}

func (b *TCPBus) deliver(m Message) {
	b.mu.Lock()
	fn := b.handler
	b.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (b *TCPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ln := b.listener
	conn := b.conn
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	close(b.quit)
	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	b.wg.Wait()
	return nil
}
