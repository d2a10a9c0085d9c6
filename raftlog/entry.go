package raftlog

// 日志条目
type Entry struct {
	Term    int    // 日志项所在term
	Command []byte // 状态机命令，日志不解析其内容
}

// 条目写入日志后不应再被修改，这里复制一份命令数据
func (e Entry) clone() Entry {
	if e.Command == nil {
		return e
	}
	cmd := make([]byte, len(e.Command))
	copy(cmd, e.Command)
	return Entry{Term: e.Term, Command: cmd}
}

type Slice []Entry
