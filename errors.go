package raftkv

import "github.com/go-errors/errors"

var (
	// 集群完全不可达，或者没有节点知道谁是 Leader
	ErrNoConnection = errors.Errorf("无法连接到集群 Leader")
	// 重试次数达到 Config.MaxAttempts 上限
	ErrRetriesExhausted = errors.Errorf("重试次数已用完")
	// 对端在请求过程中关闭了连接
	ErrDisconnected = errors.Errorf("连接已断开")
	// 配置中不存在该节点
	ErrUnknownServer = errors.Errorf("未知的节点")
	// 副本返回了客户端无法处理的消息
	ErrUnexpectedReply = errors.Errorf("非预期的答复")
	ErrNodeStopped     = errors.Errorf("节点已停止")
	ErrInvalidConfig   = errors.Errorf("配置无效")
)
