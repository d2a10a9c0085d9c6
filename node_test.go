package raftkv

import (
	"path/filepath"
	"testing"

	"github.com/bitcapybara/raftkv/raftlog"
	"github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, me NodeId) (*Node, *testFsm) {
	t.Helper()
	fsm := newTestFsm()
	nd, err := NewNode(NodeConfig{Me: me, Fsm: fsm, Logger: nopLogger{}})
	require.NoError(t, err)
	nd.Run()
	t.Cleanup(nd.Stop)
	return nd, fsm
}

func command(op Operation) Message {
	return Message{Sender: "client", Recipient: "1", Content: Command{Operation: op}}
}

func TestFollowerRedirects(t *testing.T) {
	nd, fsm := newTestNode(t, "1")

	res, err := nd.HandleCommand(command(SetValue{RequestId: "r1", Key: "k", Value: "v"}))
	require.NoError(t, err)
	assert.Equal(t, NotTheLeader{LeaderId: None}, res.Content)

	require.NoError(t, nd.SetLeader(1, "2"))
	res, err = nd.HandleCommand(command(GetValue{RequestId: "r2", Key: "k"}))
	require.NoError(t, err)
	assert.Equal(t, NotTheLeader{LeaderId: "2"}, res.Content)
	assert.Equal(t, NodeId("1"), res.Sender)
	assert.Equal(t, NodeId("client"), res.Recipient)
	require.NotNil(t, res.Term)
	assert.Equal(t, 1, *res.Term)

	// 非 Leader 不执行命令
	assert.Empty(t, fsm.data)
	status, err := nd.Status()
	require.NoError(t, err)
	assert.Empty(t, status.Entries)
}

func TestLeaderAppliesCommands(t *testing.T) {
	nd, fsm := newTestNode(t, "1")
	require.NoError(t, nd.SetLeader(3, "1"))

	res, err := nd.HandleCommand(command(NoOp{RequestId: "probe"}))
	require.NoError(t, err)
	assert.Equal(t, Result{RequestId: "probe"}, res.Content)

	res, err = nd.HandleCommand(command(SetValue{RequestId: "r1", Key: "k", Value: "v"}))
	require.NoError(t, err)
	assert.Equal(t, Result{RequestId: "r1"}, res.Content)

	res, err = nd.HandleCommand(command(GetValue{RequestId: "r2", Key: "k"}))
	require.NoError(t, err)
	assert.Equal(t, Result{RequestId: "r2", Value: Some("v")}, res.Content)
	assert.Equal(t, "v", fsm.data["k"])

	status, err := nd.Status()
	require.NoError(t, err)
	assert.Equal(t, NodeStatus{Me: "1", Term: 3, Leader: "1", Entries: status.Entries}, status)
	// 探测不写日志
	require.Len(t, status.Entries, 2)
	for _, e := range status.Entries {
		assert.Equal(t, 3, e.Term)
	}
	op, err := DecodeOperation(status.Entries[0].Command)
	require.NoError(t, err)
	assert.Equal(t, SetValue{RequestId: "r1", Key: "k", Value: "v"}, op)
}

func TestStaleLeaderChangeRejected(t *testing.T) {
	nd, _ := newTestNode(t, "1")
	require.NoError(t, nd.SetLeader(5, "2"))
	assert.Error(t, nd.SetLeader(4, "3"))

	status, err := nd.Status()
	require.NoError(t, err)
	assert.Equal(t, 5, status.Term)
	assert.Equal(t, NodeId("2"), status.Leader)
}

func entries(terms ...int) []raftlog.Entry {
	res := make([]raftlog.Entry, 0, len(terms))
	for i, term := range terms {
		res = append(res, raftlog.Entry{Term: term, Command: []byte{byte(i)}})
	}
	return res
}

func TestAppendEntries(t *testing.T) {
	nd, _ := newTestNode(t, "2")

	// 空日志上的探测
	reply, err := nd.HandleAppendEntries(AppendEntry{Term: 1, LeaderId: "1", PrevLogIndex: -1})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, -1, reply.MatchIndex)

	reply, err = nd.HandleAppendEntries(AppendEntry{Term: 1, LeaderId: "1", PrevLogIndex: -1, Entries: entries(1, 1, 1)})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, 1, reply.Term)
	assert.Equal(t, 2, reply.MatchIndex)

	// 心跳
	reply, err = nd.HandleAppendEntries(AppendEntry{Term: 1, LeaderId: "1", PrevLogIndex: 2, PrevLogTerm: 1})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, 2, reply.MatchIndex)

	// 新 Leader 覆盖索引 1 之后的条目
	reply, err = nd.HandleAppendEntries(AppendEntry{
		Term: 2, LeaderId: "3", PrevLogIndex: 0, PrevLogTerm: 1,
		Entries: []raftlog.Entry{{Term: 2, Command: []byte("x")}},
	})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, 2, reply.Term)
	assert.Equal(t, 1, reply.MatchIndex)

	status, err := nd.Status()
	require.NoError(t, err)
	assert.Equal(t, NodeId("3"), status.Leader)
	assert.Equal(t, 2, status.Term)
	require.Len(t, status.Entries, 2)
	assert.Equal(t, raftlog.Entry{Term: 2, Command: []byte("x")}, status.Entries[1])
}

func TestAppendEntriesConflictHints(t *testing.T) {
	nd, _ := newTestNode(t, "2")
	_, err := nd.HandleAppendEntries(AppendEntry{Term: 3, LeaderId: "1", PrevLogIndex: -1, Entries: entries(1, 1, 2, 2, 3)})
	require.NoError(t, err)

	t.Run("not caught up", func(t *testing.T) {
		reply, err := nd.HandleAppendEntries(AppendEntry{Term: 3, LeaderId: "1", PrevLogIndex: 7, PrevLogTerm: 3})
		require.NoError(t, err)
		assert.False(t, reply.Success)
		assert.Equal(t, 3, reply.ConflictTerm)
		assert.Equal(t, 4, reply.ConflictStartIndex)
	})

	t.Run("term mismatch", func(t *testing.T) {
		reply, err := nd.HandleAppendEntries(AppendEntry{
			Term: 3, LeaderId: "1", PrevLogIndex: 3, PrevLogTerm: 3, Entries: entries(3),
		})
		require.NoError(t, err)
		assert.False(t, reply.Success)
		assert.Equal(t, 2, reply.ConflictTerm)
		assert.Equal(t, 2, reply.ConflictStartIndex)
	})

	t.Run("stale term", func(t *testing.T) {
		reply, err := nd.HandleAppendEntries(AppendEntry{Term: 2, LeaderId: "4", PrevLogIndex: -1, Entries: entries(2)})
		require.NoError(t, err)
		assert.False(t, reply.Success)
		assert.Equal(t, 3, reply.Term)
	})

	// 被拒绝的请求不修改日志
	status, err := nd.Status()
	require.NoError(t, err)
	assert.Equal(t, entries(1, 1, 2, 2, 3), status.Entries)
	assert.Equal(t, NodeId("1"), status.Leader)
}

func TestAppendEntriesOnEmptyLog(t *testing.T) {
	nd, _ := newTestNode(t, "2")
	reply, err := nd.HandleAppendEntries(AppendEntry{Term: 1, LeaderId: "1", PrevLogIndex: 4, PrevLogTerm: 1, Entries: entries(1)})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, 0, reply.ConflictTerm)
	assert.Equal(t, 0, reply.ConflictStartIndex)
}

func TestStoppedNode(t *testing.T) {
	nd, _ := newTestNode(t, "1")
	nd.Stop()
	nd.Stop()

	_, err := nd.HandleCommand(command(NoOp{}))
	assert.True(t, errors.Is(err, ErrNodeStopped))
	_, err = nd.Status()
	assert.True(t, errors.Is(err, ErrNodeStopped))
	assert.True(t, errors.Is(nd.Serve(), ErrNodeStopped))
}

func TestNewNodeValidatesConfig(t *testing.T) {
	_, err := NewNode(NodeConfig{Fsm: newTestFsm()})
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	_, err = NewNode(NodeConfig{Me: "1"})
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	_, err = NewNode(NodeConfig{Me: "1", Fsm: newTestFsm(), Addr: "bad"})
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestNodeRestoresPersistedState(t *testing.T) {
	p := raftlog.NewFilePersister(filepath.Join(t.TempDir(), "node.state"))
	nd, err := NewNode(NodeConfig{Me: "2", Fsm: newTestFsm(), Logger: nopLogger{}, Persister: p})
	require.NoError(t, err)
	nd.Run()
	_, err = nd.HandleAppendEntries(AppendEntry{Term: 4, LeaderId: "1", PrevLogIndex: -1, Entries: entries(2, 4)})
	require.NoError(t, err)
	nd.Stop()

	restarted, err := NewNode(NodeConfig{Me: "2", Fsm: newTestFsm(), Logger: nopLogger{}, Persister: p})
	require.NoError(t, err)
	restarted.Run()
	defer restarted.Stop()

	status, err := restarted.Status()
	require.NoError(t, err)
	assert.Equal(t, 4, status.Term)
	assert.Equal(t, None, status.Leader)
	assert.Equal(t, entries(2, 4), status.Entries)

	// 恢复后的日志继续参与一致性检查
	reply, err := restarted.HandleAppendEntries(AppendEntry{Term: 4, LeaderId: "1", PrevLogIndex: 1, PrevLogTerm: 4})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, 1, reply.MatchIndex)
}

type failingPersister struct{}

func (failingPersister) Save(raftlog.State) error     { return errors.Errorf("disk full") }
func (failingPersister) Load() (raftlog.State, error) { return raftlog.State{}, nil }

func TestLeaderDoesNotApplyUnpersistedCommand(t *testing.T) {
	fsm := newTestFsm()
	nd, err := NewNode(NodeConfig{Me: "1", Fsm: fsm, Logger: nopLogger{}, Persister: failingPersister{}})
	require.NoError(t, err)
	nd.Run()
	defer nd.Stop()

	// 任期变化无法持久化
	assert.Error(t, nd.SetLeader(1, "1"))
	_, err = nd.HandleCommand(command(SetValue{RequestId: "r", Key: "k", Value: "v"}))
	assert.Error(t, err)
	assert.Empty(t, fsm.data)
}
