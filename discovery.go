package raftkv

import (
	"context"
	"fmt"

	"github.com/go-errors/errors"
)

// findLeader 按配置顺序逐个探测节点，找到 Leader 后缓存连接。调用方必须持有 gate
func (c *Client) findLeader() error {
	clientDiscoveries.Inc()
	for _, srv := range c.servers {
		conn, err := c.transport.Dial(srv.Addr, c.connectTimeout)
		if err != nil {
			c.logger.Debug(fmt.Sprintf("跳过无法连接的节点 %s：%s", srv.Id, err))
			continue
		}

		resp, err := c.probe(conn, srv.Id)
		if err != nil {
			c.logger.Debug(fmt.Sprintf("探测节点 %s 失败：%s", srv.Id, err))
			_ = conn.Close()
			continue
		}

		switch content := resp.Content.(type) {
		case Result:
			leader := resp.Sender
			if leader == None {
				leader = srv.Id
			}
			c.conn, c.leaderId = conn, leader
			c.logger.Info(fmt.Sprintf("找到 Leader %s", leader))
			return nil
		case NotTheLeader:
			_ = conn.Close()
			if content.LeaderId == None {
				return errors.WrapPrefix(ErrNoConnection,
					fmt.Sprintf("节点 %s 不知道谁是 Leader", srv.Id), 0)
			}
			// 直接信任对方给出的 Leader，不再探测
			return c.connectLeader(content.LeaderId)
		case ClientDisconnected, Command:
			_ = conn.Close()
			c.logger.Debug(fmt.Sprintf("节点 %s 的答复无效：%s", srv.Id, describe(content)))
		default:
			panic(fmt.Sprintf("未知的消息类型 %T", resp.Content))
		}
	}
	return errors.WrapPrefix(ErrNoConnection, "无法连接到集群中的任何节点", 0)
}

func (c *Client) probe(conn Conn, id NodeId) (Message, error) {
	msg := Message{
		Sender:    c.clientId,
		Recipient: id,
		Content:   Command{Operation: NoOp{RequestId: newRequestId()}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return conn.Call(ctx, msg)
}

func (c *Client) connectLeader(id NodeId) error {
	addr, ok := c.config.addrOf(id)
	if !ok {
		return errors.WrapPrefix(ErrNoConnection,
			fmt.Sprintf("%s：%s", ErrUnknownServer.Error(), id), 0)
	}
	conn, err := c.transport.Dial(addr, c.connectTimeout)
	if err != nil {
		return errors.WrapPrefix(ErrNoConnection,
			fmt.Sprintf("连接 Leader %s 失败：%s", id, err), 0)
	}
	c.conn, c.leaderId = conn, id
	c.logger.Info(fmt.Sprintf("重定向到 Leader %s", id))
	return nil
}
