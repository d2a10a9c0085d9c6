// kvctl 启动一个副本节点，或者作为客户端读写集群数据。
//
//	kvctl serve -config cluster.yaml -id 1 -leader 1 -term 1 -data 1.state -metrics :9100
//	kvctl set -config cluster.yaml key value
//	kvctl get -config cluster.yaml key
//	kvctl del -config cluster.yaml key
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/bitcapybara/raftkv"
	"github.com/bitcapybara/raftkv/kvstore"
	"github.com/bitcapybara/raftkv/raftlog"
	"github.com/go-errors/errors"
	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("kvctl")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = serve(args)
	case "set", "get", "del":
		err = request(cmd, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kvctl serve|set|get|del -config cluster.yaml [args]")
}

func loadCluster(path string) (raftkv.ClusterFile, error) {
	if path == "" {
		return raftkv.ClusterFile{}, errors.Errorf("缺少 -config 参数")
	}
	return raftkv.LoadClusterFile(path)
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "集群配置文件")
	id := fs.String("id", "", "当前节点 id")
	leader := fs.String("leader", "", "Leader 节点 id，为空表示未知")
	term := fs.Int("term", 1, "Leader 所处任期")
	metricsAddr := fs.String("metrics", "", "指标服务监听地址，为空时不开启")
	dataPath := fs.String("data", "", "持久化文件路径，为空时只保存在内存中")
	logLevel := fs.String("log-level", "info", "日志级别")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		return err
	}

	cf, err := loadCluster(*configPath)
	if err != nil {
		return err
	}
	me := raftkv.NodeId(*id)
	addr, ok := cf.AddrOf(me)
	if !ok {
		return errors.WrapPrefix(raftkv.ErrUnknownServer, string(me), 0)
	}

	store := kvstore.New()
	config := raftkv.NodeConfig{Me: me, Addr: addr, Fsm: store}
	if *dataPath != "" {
		config.Persister = raftlog.NewFilePersister(*dataPath)
	}
	node, err := raftkv.NewNode(config)
	if err != nil {
		return err
	}
	node.Run()
	if err := node.SetLeader(*term, raftkv.NodeId(*leader)); err != nil {
		return err
	}

	if *metricsAddr != "" {
		http.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
			metrics.WritePrometheus(w, true)
		})
		go func() {
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Errorf("指标服务退出：%s", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("节点 %s 退出，共保存 %d 个 key", me, store.Len())
		node.Stop()
	}()
	return node.Serve()
}

func request(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "集群配置文件")
	if err := fs.Parse(args); err != nil {
		return err
	}
	want := 1
	if cmd == "set" {
		want = 2
	}
	if fs.NArg() != want {
		usage()
		os.Exit(2)
	}

	cf, err := loadCluster(*configPath)
	if err != nil {
		return err
	}
	config, err := cf.Config()
	if err != nil {
		return err
	}
	client, err := raftkv.NewClient(config, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	var value raftkv.Value
	switch cmd {
	case "set":
		value, err = client.Set(fs.Arg(0), fs.Arg(1))
	case "get":
		value, err = client.Get(fs.Arg(0))
	case "del":
		value, err = client.Delete(fs.Arg(0))
	}
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}
