package raftkv

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-errors/errors"
	"github.com/smallnest/rpcx/v6/client"
)

const (
	servicePath         = "Node"
	commandMethod       = "Command"
	appendEntriesMethod = "AppendEntries"
)

// 网络通信接口，Client 通过它连接集群节点
type Transport interface {
	// 建立连接，connectTimeout 只限制建立连接的阶段
	Dial(addr NodeAddr, connectTimeout time.Duration) (Conn, error)
}

// 到某个节点的一条连接
type Conn interface {
	// 发送消息并等待答复，等待时间由 ctx 限制。
	// 对端关闭连接时返回内容为 ClientDisconnected 的消息
	Call(ctx context.Context, msg Message) (Message, error)
	Close() error
}

// Leader 向 Follower 复制日志时使用的接口，由外部的复制模块调用
type ReplicationTransport interface {
	AppendEntries(addr NodeAddr, args AppendEntry, res *AppendEntryReply) error
}

// Transport 的 rpcx 实现
type RpcxTransport struct {
	option client.Option
}

var (
	_ Transport            = (*RpcxTransport)(nil)
	_ ReplicationTransport = (*RpcxTransport)(nil)
)

func NewRpcxTransport() *RpcxTransport {
	option := client.DefaultOption
	// 重试由 Client 自己控制
	option.Retries = 0
	return &RpcxTransport{option: option}
}

func (tp *RpcxTransport) connect(addr NodeAddr, connectTimeout time.Duration) (*client.Client, error) {
	option := tp.option
	option.ConnectTimeout = connectTimeout
	c := client.NewClient(option)
	if err := c.Connect("tcp", string(addr)); err != nil {
		return nil, errors.WrapPrefix(err, fmt.Sprintf("连接 %s 失败", addr), 0)
	}
	return c, nil
}

func (tp *RpcxTransport) Dial(addr NodeAddr, connectTimeout time.Duration) (Conn, error) {
	c, err := tp.connect(addr, connectTimeout)
	if err != nil {
		return nil, err
	}
	return &rpcxConn{client: c, addr: addr}, nil
}

func (tp *RpcxTransport) AppendEntries(addr NodeAddr, args AppendEntry, res *AppendEntryReply) error {
	c, err := tp.connect(addr, tp.option.ConnectTimeout)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Call(context.Background(), servicePath, appendEntriesMethod, &args, res); err != nil {
		return errors.WrapPrefix(err, fmt.Sprintf("调用 rpc 服务失败：%s", addr), 0)
	}
	return nil
}

type rpcxConn struct {
	client *client.Client
	addr   NodeAddr
}

func (c *rpcxConn) Call(ctx context.Context, msg Message) (Message, error) {
	args := encodeMessage(msg)
	reply := &WireMessage{}
	err := c.client.Call(ctx, servicePath, commandMethod, &args, reply)
	if err != nil {
		if isDisconnect(err) {
			return Message{Sender: msg.Recipient, Content: ClientDisconnected{}}, nil
		}
		return Message{}, errors.WrapPrefix(err, fmt.Sprintf("调用 rpc 服务失败：%s", c.addr), 0)
	}
	return decodeMessage(*reply)
}

func (c *rpcxConn) Close() error {
	return c.client.Close()
}

func isDisconnect(err error) bool {
	return errors.Is(err, client.ErrShutdown) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
