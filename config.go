package raftkv

import (
	"fmt"
	"time"

	"github.com/bitcapybara/raftkv/raftlog"
	"github.com/go-errors/errors"
	"github.com/lni/goutils/stringutil"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultConnectTimeout = time.Second
)

// 构造 Client 时的配置参数
type Config struct {
	// 集群所有节点，寻找 Leader 时按切片顺序逐个尝试
	Servers []Server
	// 发送请求的接口，为空时使用 rpcx
	Transport Transport
	Logger    Logger
	// 等待一次请求答复的时间
	Timeout time.Duration
	// 寻找 Leader 时建立连接的超时时间，应比 Timeout 短
	ConnectTimeout time.Duration
	// 一次操作最多尝试的次数，0 表示不限制
	MaxAttempts int
	// 每秒最多重试的次数，0 表示不限速
	RetryRate float64
}

func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return errors.WrapPrefix(ErrInvalidConfig, "Servers 不能为空", 0)
	}
	seen := make(map[NodeId]struct{}, len(c.Servers))
	for _, srv := range c.Servers {
		if srv.Id == None {
			return errors.WrapPrefix(ErrInvalidConfig, "节点 Id 不能为空", 0)
		}
		if _, ok := seen[srv.Id]; ok {
			return errors.WrapPrefix(ErrInvalidConfig, fmt.Sprintf("节点 Id 重复：%s", srv.Id), 0)
		}
		seen[srv.Id] = struct{}{}
		if !stringutil.IsValidAddress(string(srv.Addr)) {
			return errors.WrapPrefix(ErrInvalidConfig, fmt.Sprintf("节点 %s 的地址无效：%s", srv.Id, srv.Addr), 0)
		}
	}
	if c.Timeout < 0 || c.ConnectTimeout < 0 {
		return errors.WrapPrefix(ErrInvalidConfig, "超时时间不能为负数", 0)
	}
	if c.MaxAttempts < 0 {
		return errors.WrapPrefix(ErrInvalidConfig, "MaxAttempts 不能为负数", 0)
	}
	if c.RetryRate < 0 {
		return errors.WrapPrefix(ErrInvalidConfig, "RetryRate 不能为负数", 0)
	}
	return nil
}

// Prepare 填充默认值
func (c *Config) Prepare() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Transport == nil {
		c.Transport = NewRpcxTransport()
	}
	if c.Logger == nil {
		c.Logger = NewLogger("raftkv-client")
	}
}

func (c *Config) addrOf(id NodeId) (NodeAddr, bool) {
	for _, srv := range c.Servers {
		if srv.Id == id {
			return srv.Addr, true
		}
	}
	return "", false
}

// 构造 Node 时的配置参数
type NodeConfig struct {
	Me     NodeId
	Addr   NodeAddr // rpcx 服务监听地址
	Fsm    Fsm      // Leader 执行命令的状态机
	Logger Logger
	// 为空时任期和日志只保存在内存中
	Persister raftlog.Persister
}

func (c *NodeConfig) Validate() error {
	if c.Me == None {
		return errors.WrapPrefix(ErrInvalidConfig, "Me 不能为空", 0)
	}
	if c.Fsm == nil {
		return errors.WrapPrefix(ErrInvalidConfig, "缺失 Fsm", 0)
	}
	if c.Addr != "" && !stringutil.IsValidAddress(string(c.Addr)) {
		return errors.WrapPrefix(ErrInvalidConfig, fmt.Sprintf("地址无效：%s", c.Addr), 0)
	}
	return nil
}
