package raftkv

import (
	"fmt"

	"github.com/bitcapybara/raftkv/raftlog"
)

type NodeId string

const None NodeId = ""

type NodeAddr string

type Server struct {
	Id   NodeId
	Addr NodeAddr
}

// ==================== Message ====================

// 客户端与副本之间交换的消息
type Message struct {
	Sender    NodeId  // 发送方
	Recipient NodeId  // 接收方，可以为 None
	Term      *int    // 发送方当前 term，客户端发出的消息为 nil
	Content   Content // 消息内容
}

// Content 是封闭的消息内容集合：Command、Result、NotTheLeader、ClientDisconnected
type Content interface {
	isContent()
}

// 客户端发给 Leader 的命令
type Command struct {
	Operation Operation
}

// 命令执行成功后的结果
type Result struct {
	RequestId string
	Value     Value
}

// 非 Leader 节点的答复，LeaderId 为 None 表示不知道谁是 Leader
type NotTheLeader struct {
	LeaderId NodeId
}

// 对端在交互过程中关闭了连接，由传输层产生
type ClientDisconnected struct{}

func (Command) isContent()            {}
func (Result) isContent()             {}
func (NotTheLeader) isContent()       {}
func (ClientDisconnected) isContent() {}

// ==================== Operation ====================

// Operation 是封闭的操作集合：SetValue、GetValue、DelValue、NoOp
type Operation interface {
	requestId() string
}

type SetValue struct {
	RequestId string
	Key       string
	Value     string
}

type GetValue struct {
	RequestId string
	Key       string
}

type DelValue struct {
	RequestId string
	Key       string
}

// 只用于寻找 Leader 时的探测
type NoOp struct {
	RequestId string
}

func (op SetValue) requestId() string { return op.RequestId }
func (op GetValue) requestId() string { return op.RequestId }
func (op DelValue) requestId() string { return op.RequestId }
func (op NoOp) requestId() string     { return op.RequestId }

// 操作的返回值，Ok 为 false 表示没有值
type Value struct {
	Data string
	Ok   bool
}

func Some(data string) Value {
	return Value{Data: data, Ok: true}
}

func (v Value) String() string {
	if !v.Ok {
		return "<none>"
	}
	return v.Data
}

// ==================== AppendEntry ====================

// Leader 发给 Follower 的日志复制请求，Entries 为空时只做一致性检查
type AppendEntry struct {
	Term         int             // Leader 当前任期
	LeaderId     NodeId          // 方便 Follower 重定向客户端
	PrevLogIndex int             // 新条目前一个条目的索引，从头开始复制时为 -1
	PrevLogTerm  int             // PrevLogIndex 条目所处任期
	Entries      []raftlog.Entry // 日志条目
}

type AppendEntryReply struct {
	Term               int  // 当前节点的任期，用于领导者更新自身
	Success            bool // 一致性检查通过且所有条目写入成功
	MatchIndex         int  // 成功时与 Leader 一致的最后一个索引
	ConflictTerm       int  // 与 Leader 发生冲突的日志的 Term
	ConflictStartIndex int  // 发生冲突的 Term 包含的第一条日志，Leader 下次从这里重试
}

func describe(c Content) string {
	switch content := c.(type) {
	case Command:
		return fmt.Sprintf("Command(%T)", content.Operation)
	case Result:
		return fmt.Sprintf("Result(%s)", content.Value)
	case NotTheLeader:
		return fmt.Sprintf("NotTheLeader(%q)", content.LeaderId)
	case ClientDisconnected:
		return "ClientDisconnected"
	case nil:
		return "<nil>"
	default:
		panic(fmt.Sprintf("未知的消息类型 %T", c))
	}
}
