package raftkv

import (
	"fmt"
	"os"
	"time"

	"github.com/go-errors/errors"
	"gopkg.in/yaml.v3"
)

// 集群配置文件的内容，例如：
//
//	servers:
//	  - id: "1"
//	    addr: 127.0.0.1:7001
//	  - id: "2"
//	    addr: 127.0.0.1:7002
//	timeout: 5s
//	connect_timeout: 1s
//	max_attempts: 0
//	retry_rate: 0
type ClusterFile struct {
	Servers []struct {
		Id   string `yaml:"id"`
		Addr string `yaml:"addr"`
	} `yaml:"servers"`
	Timeout        string  `yaml:"timeout"`
	ConnectTimeout string  `yaml:"connect_timeout"`
	MaxAttempts    int     `yaml:"max_attempts"`
	RetryRate      float64 `yaml:"retry_rate"`
}

func LoadClusterFile(path string) (ClusterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClusterFile{}, errors.WrapPrefix(err, fmt.Sprintf("读取集群配置文件失败：%s", path), 0)
	}
	return ParseClusterFile(data)
}

func ParseClusterFile(data []byte) (ClusterFile, error) {
	var cf ClusterFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return ClusterFile{}, errors.WrapPrefix(err, "解析集群配置文件失败", 0)
	}
	return cf, nil
}

// Config 把配置文件转换为 Client 配置，Transport 和 Logger 留空由 Prepare 填充
func (cf ClusterFile) Config() (Config, error) {
	config := Config{
		MaxAttempts: cf.MaxAttempts,
		RetryRate:   cf.RetryRate,
	}
	for _, srv := range cf.Servers {
		config.Servers = append(config.Servers, Server{Id: NodeId(srv.Id), Addr: NodeAddr(srv.Addr)})
	}
	var err error
	if config.Timeout, err = parseDuration(cf.Timeout); err != nil {
		return Config{}, err
	}
	if config.ConnectTimeout, err = parseDuration(cf.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (cf ClusterFile) AddrOf(id NodeId) (NodeAddr, bool) {
	for _, srv := range cf.Servers {
		if NodeId(srv.Id) == id {
			return NodeAddr(srv.Addr), true
		}
	}
	return "", false
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.WrapPrefix(ErrInvalidConfig, fmt.Sprintf("时间格式错误：%s", s), 0)
	}
	return d, nil
}
