package raftlog

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-errors/errors"
)

// 持久化器接口，副本的任期或日志变化后都会调用 Save
type Persister interface {
	Save(State) error
	// 从未保存过时返回空的 State
	Load() (State, error)
}

// 副本需要持久化的数据
type State struct {
	Term    int
	Entries []Entry
}

// Persister 的默认实现，gob 编码后保存在文件中
type FilePersister struct {
	path string
}

var _ Persister = (*FilePersister)(nil)

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Save 先写临时文件再重命名，写入中途失败不会破坏旧数据
func (p *FilePersister) Save(state State) error {
	tmp, err := os.CreateTemp(filepath.Dir(p.path), filepath.Base(p.path)+".tmp*")
	if err != nil {
		return errors.WrapPrefix(err, "创建临时文件失败", 0)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(state); err != nil {
		_ = tmp.Close()
		return errors.WrapPrefix(err, "编码写入文件失败", 0)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.WrapPrefix(err, "刷新文件失败", 0)
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapPrefix(err, "关闭文件失败", 0)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return errors.WrapPrefix(err, fmt.Sprintf("替换文件 %s 失败", p.path), 0)
	}
	return nil
}

func (p *FilePersister) Load() (State, error) {
	file, err := os.Open(p.path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, errors.WrapPrefix(err, "打开文件失败", 0)
	}
	defer file.Close()

	var state State
	if err := gob.NewDecoder(file).Decode(&state); err != nil {
		return State{}, errors.WrapPrefix(err, "文件解码读取失败", 0)
	}
	return state, nil
}
