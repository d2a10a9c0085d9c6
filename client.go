package raftkv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/juju/ratelimit"
)

// Client 是访问集群键值数据的会话。
//
// 所有请求都在 gate 的保护下发出。多个 Client 可以共享同一个 gate，
// 此时它们合起来同一时刻最多只有一个请求在途；需要互相隔离的 Client 应使用不同的 gate。
// 调用方不能在请求返回之前放弃它，否则 gate 会一直被占用，共享 gate 的其他 Client 都会阻塞。
type Client struct {
	clientId       NodeId
	servers        []Server
	config         Config
	transport      Transport
	gate           sync.Locker
	timeout        time.Duration
	connectTimeout time.Duration
	maxAttempts    int
	bucket         *ratelimit.Bucket
	logger         Logger

	// 以下两个字段只在持有 gate 时访问，要么都有值，要么都为空
	conn     Conn   // 到 Leader 的缓存连接
	leaderId NodeId // 缓存的 Leader
}

// NewClient 创建会话，gate 为 nil 时使用会话私有的互斥锁
func NewClient(config Config, gate sync.Locker) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.Prepare()
	if gate == nil {
		gate = &sync.Mutex{}
	}
	id, err := uuid.NewUUID()
	if err != nil {
		return nil, errors.WrapPrefix(err, "生成客户端 id 失败", 0)
	}
	c := &Client{
		clientId:       NodeId(id.String()),
		servers:        config.Servers,
		config:         config,
		transport:      config.Transport,
		gate:           gate,
		timeout:        config.Timeout,
		connectTimeout: config.ConnectTimeout,
		maxAttempts:    config.MaxAttempts,
		logger:         config.Logger,
		leaderId:       None,
	}
	if config.RetryRate > 0 {
		capacity := int64(config.RetryRate)
		if capacity < 1 {
			capacity = 1
		}
		c.bucket = ratelimit.NewBucketWithRate(config.RetryRate, capacity)
	}
	return c, nil
}

func (c *Client) Id() NodeId {
	return c.clientId
}

// Set 写入 key，返回旧值
func (c *Client) Set(key, value string) (Value, error) {
	return c.send(SetValue{RequestId: newRequestId(), Key: key, Value: value})
}

func (c *Client) Get(key string) (Value, error) {
	return c.send(GetValue{RequestId: newRequestId(), Key: key})
}

// Delete 删除 key，返回被删除的值
func (c *Client) Delete(key string) (Value, error) {
	return c.send(DelValue{RequestId: newRequestId(), Key: key})
}

// Leader 返回当前缓存的 Leader，没有时返回 None
func (c *Client) Leader() NodeId {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.leaderId
}

// Close 释放到 Leader 的缓存连接
func (c *Client) Close() error {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.resetLeader()
}

func newRequestId() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// 发送一次操作。Leader 变更、断线、超时都在内部重试，调用方只会看到结果、
// ErrNoConnection 或者（设置了 MaxAttempts 时）ErrRetriesExhausted
func (c *Client) send(op Operation) (Value, error) {
	clientRequests.Inc()
	for attempt := 1; ; attempt++ {
		value, retry, err := c.attempt(op)
		if !retry {
			return value, err
		}
		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			return Value{}, errors.WrapPrefix(ErrRetriesExhausted,
				fmt.Sprintf("共尝试 %d 次，最后一次错误：%s", attempt, err), 0)
		}
		clientRetries.Inc()
		if c.bucket != nil {
			c.bucket.Wait(1)
		}
	}
}

// 持有 gate 完成一次请求，retry 为 true 表示需要重新寻找 Leader 后重试
func (c *Client) attempt(op Operation) (value Value, retry bool, err error) {
	c.gate.Lock()
	defer c.gate.Unlock()

	if c.conn == nil {
		if err := c.findLeader(); err != nil {
			return Value{}, false, err
		}
	}

	msg := Message{
		Sender:    c.clientId,
		Recipient: c.leaderId,
		Content:   Command{Operation: op},
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	resp, err := c.conn.Call(ctx, msg)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("请求 Leader %s 失败：%s", c.leaderId, err))
		c.dropLeader()
		return Value{}, true, err
	}

	switch content := resp.Content.(type) {
	case Result:
		return content.Value, false, nil
	case NotTheLeader:
		clientRedirects.Inc()
		c.logger.Debug(fmt.Sprintf("节点 %s 不是 Leader，重新寻找", c.leaderId))
		failed := c.leaderId
		c.dropLeader()
		return Value{}, true, errors.Errorf("节点 %s 不是 Leader", failed)
	case ClientDisconnected:
		c.logger.Debug(fmt.Sprintf("到 Leader %s 的连接已断开", c.leaderId))
		c.dropLeader()
		return Value{}, true, ErrDisconnected
	case Command:
		return Value{}, false, errors.WrapPrefix(ErrUnexpectedReply, describe(content), 0)
	default:
		panic(fmt.Sprintf("未知的消息类型 %T", resp.Content))
	}
}

func (c *Client) resetLeader() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.conn = nil
	c.leaderId = None
	return err
}

func (c *Client) dropLeader() {
	if err := c.resetLeader(); err != nil {
		c.logger.Debug(fmt.Sprintf("关闭连接失败：%s", err))
	}
}
