package raftkv

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handler func(msg Message) (Message, error)

// Transport 接口实现，开发测试用
type inMemTransport struct {
	mu      sync.Mutex
	servers map[NodeAddr]handler
	dials   map[NodeAddr]int
	calls   map[NodeAddr][]Message
	closed  int
}

func newInMemTransport() *inMemTransport {
	return &inMemTransport{
		servers: make(map[NodeAddr]handler),
		dials:   make(map[NodeAddr]int),
		calls:   make(map[NodeAddr][]Message),
	}
}

func (tp *inMemTransport) register(addr NodeAddr, h handler) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.servers[addr] = h
}

func (tp *inMemTransport) dialCount(addr NodeAddr) int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.dials[addr]
}

// 发给 addr 的非探测命令
func (tp *inMemTransport) commands(addr NodeAddr) []Message {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	var res []Message
	for _, msg := range tp.calls[addr] {
		if cmd, ok := msg.Content.(Command); ok {
			if _, probe := cmd.Operation.(NoOp); !probe {
				res = append(res, msg)
			}
		}
	}
	return res
}

func (tp *inMemTransport) Dial(addr NodeAddr, connectTimeout time.Duration) (Conn, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.dials[addr]++
	h, ok := tp.servers[addr]
	if !ok {
		return nil, errors.Errorf("connection refused: %s", addr)
	}
	return &inMemConn{tp: tp, addr: addr, handler: h}, nil
}

type inMemConn struct {
	tp      *inMemTransport
	addr    NodeAddr
	handler handler
}

func (c *inMemConn) Call(ctx context.Context, msg Message) (Message, error) {
	c.tp.mu.Lock()
	c.tp.calls[c.addr] = append(c.tp.calls[c.addr], msg)
	c.tp.mu.Unlock()

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := c.handler(msg)
		done <- result{res, err}
	}()
	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *inMemConn) Close() error {
	c.tp.mu.Lock()
	defer c.tp.mu.Unlock()
	c.tp.closed++
	return nil
}

// ==================== rpcx ====================

func freeAddr(t *testing.T) NodeAddr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return NodeAddr(addr)
}

func TestRpcxRoundTrip(t *testing.T) {
	addr := freeAddr(t)
	nd, err := NewNode(NodeConfig{Me: "1", Addr: addr, Fsm: newTestFsm(), Logger: nopLogger{}})
	require.NoError(t, err)
	nd.Run()
	go func() { _ = nd.Serve() }()
	defer nd.Stop()
	require.NoError(t, nd.SetLeader(1, "1"))

	tp := NewRpcxTransport()
	require.Eventually(t, func() bool {
		conn, err := tp.Dial(addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)

	c, err := NewClient(Config{
		Servers:   []Server{{Id: "1", Addr: addr}},
		Transport: tp,
		Logger:    nopLogger{},
		Timeout:   2 * time.Second,
	}, nil)
	require.NoError(t, err)
	defer c.Close()

	prev, err := c.Set("k", "v")
	require.NoError(t, err)
	assert.Equal(t, Value{}, prev)

	got, err := c.Get("k")
	require.NoError(t, err)
	assert.Equal(t, Some("v"), got)
	assert.Equal(t, NodeId("1"), c.Leader())

	var reply AppendEntryReply
	require.NoError(t, tp.AppendEntries(addr, AppendEntry{Term: 2, LeaderId: "1", PrevLogIndex: -1}, &reply))
	assert.True(t, reply.Success)
	assert.Equal(t, 2, reply.Term)
}

func TestRpcxDialRefused(t *testing.T) {
	_, err := NewRpcxTransport().Dial(freeAddr(t), 200*time.Millisecond)
	assert.Error(t, err)
}
