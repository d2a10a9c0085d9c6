package raftkv

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitcapybara/raftkv/raftlog"
	"github.com/go-errors/errors"
	"github.com/smallnest/rpcx/v6/server"
)

type rpcType uint8

const (
	// 来自客户端的命令
	CommandRpc rpcType = iota
	// 来自 Leader 的日志复制请求
	AppendEntryRpc
	// 来自选举模块的 Leader 变更通知
	LeaderChangeRpc
	// 读取节点状态
	InspectRpc
)

type rpc struct {
	rpcType rpcType
	req     interface{}
	res     chan rpcReply
}

type rpcReply struct {
	res interface{}
	err error
}

// 客户端实现此状态机，Leader 收到命令后应用到状态机
type Fsm interface {
	Apply(op Operation) Value
}

type leaderChange struct {
	term   int
	leader NodeId
}

// 节点状态快照
type NodeStatus struct {
	Me      NodeId
	Term    int
	Leader  NodeId
	Entries []raftlog.Entry
}

// 代表了一个副本节点。
//
// 选举、Leader 侧的日志复制和提交由外部模块完成，Node 只负责：
// 以 Leader 身份执行客户端命令，以非 Leader 身份重定向客户端，以及处理 AppendEntries 请求。
// 所有请求都由同一个协程处理，日志因此只有一个写者。
type Node struct {
	config NodeConfig
	logger Logger
	log    *raftlog.Log
	term   int
	leader NodeId
	// 任期或日志有未持久化的修改
	dirty bool

	rpcCh    chan rpc
	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	server *server.Server
}

func NewNode(config NodeConfig) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = NewLogger("raftkv-node")
	}
	nd := &Node{
		config: config,
		logger: logger,
		log:    raftlog.New(),
		leader: None,
		rpcCh:  make(chan rpc),
		stopCh: make(chan struct{}),
	}
	if config.Persister != nil {
		state, err := config.Persister.Load()
		if err != nil {
			return nil, errors.WrapPrefix(err, "恢复节点状态失败", 0)
		}
		nd.term = state.Term
		nd.log = raftlog.NewFromEntries(state.Entries)
		logger.Info(fmt.Sprintf("节点 %s 恢复到任期 %d，共 %d 个条目", config.Me, nd.term, nd.log.Len()))
	}
	return nd, nil
}

// Run 开启处理循环
func (nd *Node) Run() {
	go func() {
		for {
			select {
			case <-nd.stopCh:
				return
			case msg := <-nd.rpcCh:
				nd.handleRpc(msg)
			}
		}
	}()
}

// Serve 在 config.Addr 上开启 rpcx 服务器，阻塞直到 Stop 被调用
func (nd *Node) Serve() error {
	s := server.NewServer()
	if err := s.RegisterName(servicePath, &nodeService{node: nd}, ""); err != nil {
		return errors.WrapPrefix(err, "rpc 服务器注册服务失败", 0)
	}
	nd.mu.Lock()
	select {
	case <-nd.stopCh:
		nd.mu.Unlock()
		return ErrNodeStopped
	default:
	}
	nd.server = s
	nd.mu.Unlock()

	nd.logger.Info(fmt.Sprintf("节点 %s 开始监听 %s", nd.config.Me, nd.config.Addr))
	err := s.Serve("tcp", string(nd.config.Addr))
	if err == server.ErrServerClosed {
		return nil
	}
	return err
}

func (nd *Node) Stop() {
	nd.stopOnce.Do(func() {
		nd.mu.Lock()
		defer nd.mu.Unlock()
		close(nd.stopCh)
		if nd.server != nil {
			if err := nd.server.Close(); err != nil {
				nd.logger.Warn(fmt.Sprintf("关闭 rpc 服务器失败：%s", err))
			}
		}
	})
}

// SetLeader 由外部选举模块调用，通知节点当前的任期和 Leader
func (nd *Node) SetLeader(term int, leader NodeId) error {
	_, err := nd.sendRpc(LeaderChangeRpc, leaderChange{term: term, leader: leader})
	return err
}

// HandleCommand 处理客户端消息
func (nd *Node) HandleCommand(msg Message) (Message, error) {
	res, err := nd.sendRpc(CommandRpc, msg)
	if err != nil {
		return Message{}, err
	}
	return res.(Message), nil
}

// HandleAppendEntries 处理 Leader 的日志复制请求
func (nd *Node) HandleAppendEntries(args AppendEntry) (AppendEntryReply, error) {
	res, err := nd.sendRpc(AppendEntryRpc, args)
	if err != nil {
		return AppendEntryReply{}, err
	}
	return res.(AppendEntryReply), nil
}

func (nd *Node) Status() (NodeStatus, error) {
	res, err := nd.sendRpc(InspectRpc, nil)
	if err != nil {
		return NodeStatus{}, err
	}
	return res.(NodeStatus), nil
}

func (nd *Node) sendRpc(rpcType rpcType, args interface{}) (interface{}, error) {
	rpcMsg := rpc{
		rpcType: rpcType,
		req:     args,
		res:     make(chan rpcReply, 1),
	}
	select {
	case <-nd.stopCh:
		return nil, ErrNodeStopped
	default:
	}
	select {
	case nd.rpcCh <- rpcMsg:
	case <-nd.stopCh:
		return nil, ErrNodeStopped
	}
	select {
	case reply := <-rpcMsg.res:
		return reply.res, reply.err
	case <-nd.stopCh:
		return nil, ErrNodeStopped
	}
}

// ==================== logic process ====================

func (nd *Node) handleRpc(msg rpc) {
	var reply rpcReply
	switch msg.rpcType {
	case CommandRpc:
		reply.res, reply.err = nd.handleCommand(msg.req.(Message))
	case AppendEntryRpc:
		reply.res = nd.handleAppendEntries(msg.req.(AppendEntry))
	case LeaderChangeRpc:
		reply.err = nd.handleLeaderChange(msg.req.(leaderChange))
	case InspectRpc:
		reply.res = NodeStatus{
			Me:      nd.config.Me,
			Term:    nd.term,
			Leader:  nd.leader,
			Entries: nd.log.Entries(0, nd.log.Len()),
		}
	default:
		reply.err = errors.Errorf("未知的 rpc 类型 %d", msg.rpcType)
	}
	if err := nd.flush(); err != nil {
		reply = rpcReply{err: err}
	}
	msg.res <- reply
}

// 把未持久化的修改写入 Persister，没有配置 Persister 时什么都不做
func (nd *Node) flush() error {
	if !nd.dirty || nd.config.Persister == nil {
		nd.dirty = false
		return nil
	}
	err := nd.config.Persister.Save(raftlog.State{
		Term:    nd.term,
		Entries: nd.log.Entries(0, nd.log.Len()),
	})
	if err != nil {
		nd.logger.Error(fmt.Sprintf("持久化节点状态失败：%s", err))
		return err
	}
	nd.dirty = false
	return nil
}

func (nd *Node) reply(to NodeId, content Content) Message {
	term := nd.term
	return Message{
		Sender:    nd.config.Me,
		Recipient: to,
		Term:      &term,
		Content:   content,
	}
}

func (nd *Node) handleCommand(msg Message) (Message, error) {
	nodeCommands.Inc()
	cmd, ok := msg.Content.(Command)
	if !ok {
		return Message{}, errors.WrapPrefix(ErrUnexpectedReply, describe(msg.Content), 0)
	}

	if nd.leader != nd.config.Me {
		return nd.reply(msg.Sender, NotTheLeader{LeaderId: nd.leader}), nil
	}

	switch op := cmd.Operation.(type) {
	case NoOp:
		return nd.reply(msg.Sender, Result{RequestId: op.RequestId}), nil
	case SetValue, GetValue, DelValue:
		data, err := EncodeOperation(op)
		if err != nil {
			return Message{}, err
		}
		// Leader 只追加到自己的日志，复制和提交由外部模块完成
		entry := &raftlog.Entry{Term: nd.term, Command: data}
		if _, err := nd.log.Append(nd.log.Len(), nd.log.LastTerm(), entry); err != nil {
			return Message{}, err
		}
		nd.dirty = true
		// 写入持久化存储之后才能执行
		if err := nd.flush(); err != nil {
			return Message{}, err
		}
		value := nd.config.Fsm.Apply(op)
		return nd.reply(msg.Sender, Result{RequestId: op.requestId(), Value: value}), nil
	default:
		panic(fmt.Sprintf("未知的操作类型 %T", cmd.Operation))
	}
}

// Follower 接收到来自 Leader 的 AppendEntries 调用
func (nd *Node) handleAppendEntries(args AppendEntry) AppendEntryReply {
	reply := AppendEntryReply{Term: nd.term}

	// 发送请求的 Leader 任期数落后
	if args.Term < nd.term {
		nodeAppendRejected.Inc()
		return reply
	}
	if args.Term > nd.term {
		nd.term = args.Term
		nd.dirty = true
	}
	nd.leader = args.LeaderId
	reply.Term = nd.term

	logIndex := args.PrevLogIndex + 1
	prevTerm := args.PrevLogTerm
	if len(args.Entries) == 0 {
		// 心跳或探测，只做一致性检查
		matched, err := nd.log.Append(logIndex, prevTerm, nil)
		if err != nil {
			nd.fillConflict(&reply, logIndex, err)
			return reply
		}
		reply.Success = true
		reply.MatchIndex = matched
		return reply
	}

	for i := range args.Entries {
		entry := args.Entries[i]
		index, err := nd.log.Append(logIndex+i, prevTerm, &entry)
		if err != nil {
			nd.fillConflict(&reply, logIndex+i, err)
			return reply
		}
		nd.dirty = true
		reply.MatchIndex = index
		prevTerm = entry.Term
	}
	reply.Success = true
	return reply
}

// 填充冲突信息，Leader 可以据此一次回退一整个 term
func (nd *Node) fillConflict(reply *AppendEntryReply, logIndex int, err error) {
	nodeAppendRejected.Inc()
	nd.logger.Debug(fmt.Sprintf("拒绝 AppendEntries：%s", err))
	reply.Success = false
	switch {
	case errors.Is(err, raftlog.ErrNotCaughtUp):
		// 当前节点不包含 logIndex 之前的全部日志，返回最后一个 term 的首个条目
		if nd.log.Len() == 0 {
			reply.ConflictTerm = 0
			reply.ConflictStartIndex = 0
			return
		}
		reply.ConflictTerm = nd.log.LastTerm()
		reply.ConflictStartIndex = nd.log.FirstIndexOfTerm(nd.log.LastIndex())
	case errors.Is(err, raftlog.ErrTermMismatch):
		// logIndex-1 处的 term 不同，返回该 term 的首个条目
		reply.ConflictTerm = nd.log.Term(logIndex - 1)
		reply.ConflictStartIndex = nd.log.FirstIndexOfTerm(logIndex - 1)
	default:
		reply.ConflictStartIndex = 0
	}
}

func (nd *Node) handleLeaderChange(change leaderChange) error {
	if change.term < nd.term {
		return errors.Errorf("任期 %d 落后于当前任期 %d", change.term, nd.term)
	}
	if change.term > nd.term {
		nd.term = change.term
		nd.dirty = true
	}
	nd.leader = change.leader
	nd.logger.Info(fmt.Sprintf("节点 %s 进入任期 %d，Leader 为 %q", nd.config.Me, nd.term, nd.leader))
	return nil
}

// ==================== rpc service ====================

// rpcx 服务，方法签名满足 rpcx 的要求
type nodeService struct {
	node *Node
}

func (s *nodeService) Command(ctx context.Context, args *WireMessage, reply *WireMessage) error {
	msg, err := decodeMessage(*args)
	if err != nil {
		return err
	}
	res, err := s.node.HandleCommand(msg)
	if err != nil {
		return err
	}
	*reply = encodeMessage(res)
	return nil
}

func (s *nodeService) AppendEntries(ctx context.Context, args *AppendEntry, reply *AppendEntryReply) error {
	res, err := s.node.HandleAppendEntries(*args)
	if err != nil {
		return err
	}
	*reply = res
	return nil
}
