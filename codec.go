package raftkv

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/go-errors/errors"
)

type ContentKind uint8

const (
	KindCommand ContentKind = iota + 1
	KindResult
	KindNotTheLeader
	KindClientDisconnected
)

type OperationKind uint8

const (
	OpSet OperationKind = iota + 1
	OpGet
	OpDel
	OpNoOp
)

var ErrMalformedMessage = errors.Errorf("消息格式错误")

// WireOperation 是 Operation 在网络和日志中的扁平表示
type WireOperation struct {
	Kind      OperationKind
	RequestId string
	Key       string
	Value     string
}

// WireMessage 是 Message 在网络上的扁平表示，由 rpcx 的编解码器序列化
type WireMessage struct {
	Sender    NodeId
	Recipient NodeId
	HasTerm   bool
	Term      int
	Kind      ContentKind
	Operation WireOperation // KindCommand
	RequestId string        // KindResult
	Value     Value         // KindResult
	LeaderId  NodeId        // KindNotTheLeader
}

func encodeMessage(msg Message) WireMessage {
	wire := WireMessage{
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
	}
	if msg.Term != nil {
		wire.HasTerm = true
		wire.Term = *msg.Term
	}
	switch content := msg.Content.(type) {
	case Command:
		wire.Kind = KindCommand
		wire.Operation = encodeWireOperation(content.Operation)
	case Result:
		wire.Kind = KindResult
		wire.RequestId = content.RequestId
		wire.Value = content.Value
	case NotTheLeader:
		wire.Kind = KindNotTheLeader
		wire.LeaderId = content.LeaderId
	case ClientDisconnected:
		wire.Kind = KindClientDisconnected
	default:
		panic(fmt.Sprintf("未知的消息类型 %T", msg.Content))
	}
	return wire
}

func decodeMessage(wire WireMessage) (Message, error) {
	msg := Message{
		Sender:    wire.Sender,
		Recipient: wire.Recipient,
	}
	if wire.HasTerm {
		term := wire.Term
		msg.Term = &term
	}
	switch wire.Kind {
	case KindCommand:
		op, err := decodeWireOperation(wire.Operation)
		if err != nil {
			return Message{}, err
		}
		msg.Content = Command{Operation: op}
	case KindResult:
		msg.Content = Result{RequestId: wire.RequestId, Value: wire.Value}
	case KindNotTheLeader:
		msg.Content = NotTheLeader{LeaderId: wire.LeaderId}
	case KindClientDisconnected:
		msg.Content = ClientDisconnected{}
	default:
		return Message{}, errors.WrapPrefix(ErrMalformedMessage, fmt.Sprintf("content kind %d", wire.Kind), 0)
	}
	return msg, nil
}

func encodeWireOperation(op Operation) WireOperation {
	switch o := op.(type) {
	case SetValue:
		return WireOperation{Kind: OpSet, RequestId: o.RequestId, Key: o.Key, Value: o.Value}
	case GetValue:
		return WireOperation{Kind: OpGet, RequestId: o.RequestId, Key: o.Key}
	case DelValue:
		return WireOperation{Kind: OpDel, RequestId: o.RequestId, Key: o.Key}
	case NoOp:
		return WireOperation{Kind: OpNoOp, RequestId: o.RequestId}
	default:
		panic(fmt.Sprintf("未知的操作类型 %T", op))
	}
}

func decodeWireOperation(wire WireOperation) (Operation, error) {
	switch wire.Kind {
	case OpSet:
		return SetValue{RequestId: wire.RequestId, Key: wire.Key, Value: wire.Value}, nil
	case OpGet:
		return GetValue{RequestId: wire.RequestId, Key: wire.Key}, nil
	case OpDel:
		return DelValue{RequestId: wire.RequestId, Key: wire.Key}, nil
	case OpNoOp:
		return NoOp{RequestId: wire.RequestId}, nil
	default:
		return nil, errors.WrapPrefix(ErrMalformedMessage, fmt.Sprintf("operation kind %d", wire.Kind), 0)
	}
}

// EncodeOperation 把操作编码为日志条目的命令数据
func EncodeOperation(op Operation) ([]byte, error) {
	var data bytes.Buffer
	encoder := gob.NewEncoder(&data)
	if err := encoder.Encode(encodeWireOperation(op)); err != nil {
		return nil, errors.WrapPrefix(err, "编码操作失败", 0)
	}
	return data.Bytes(), nil
}

// DecodeOperation 从日志条目的命令数据中还原操作
func DecodeOperation(from []byte) (Operation, error) {
	var wire WireOperation
	decoder := gob.NewDecoder(bytes.NewBuffer(from))
	if err := decoder.Decode(&wire); err != nil {
		return nil, errors.WrapPrefix(err, "解码操作失败", 0)
	}
	return decodeWireOperation(wire)
}
