package proto

import "fmt"

const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassAccess     = 30
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
	ClassConfirm    = 85
	ClassTx         = 90
)

// Signature identifies a method by class and method id. Method structs always report
// their 0-9-1 signature; a Registry translates to and from the wire for other dialects.
type Signature struct {
	Class  uint16
	Method uint16
}

var (
	ConnectionStart     = Signature{ClassConnection, 10}
	ConnectionStartOk   = Signature{ClassConnection, 11}
	ConnectionSecure    = Signature{ClassConnection, 20}
	ConnectionSecureOk  = Signature{ClassConnection, 21}
	ConnectionTune      = Signature{ClassConnection, 30}
	ConnectionTuneOk    = Signature{ClassConnection, 31}
	ConnectionOpen      = Signature{ClassConnection, 40}
	ConnectionOpenOk    = Signature{ClassConnection, 41}
	ConnectionRedirect  = Signature{ClassConnection, 42}
	ConnectionClose     = Signature{ClassConnection, 50}
	ConnectionCloseOk   = Signature{ClassConnection, 51}
	ConnectionBlocked   = Signature{ClassConnection, 60}
	ConnectionUnblocked = Signature{ClassConnection, 61}

	ChannelOpen    = Signature{ClassChannel, 10}
	ChannelOpenOk  = Signature{ClassChannel, 11}
	ChannelFlow    = Signature{ClassChannel, 20}
	ChannelFlowOk  = Signature{ClassChannel, 21}
	ChannelClose   = Signature{ClassChannel, 40}
	ChannelCloseOk = Signature{ClassChannel, 41}

	AccessRequest   = Signature{ClassAccess, 10}
	AccessRequestOk = Signature{ClassAccess, 11}

	ExchangeDeclare   = Signature{ClassExchange, 10}
	ExchangeDeclareOk = Signature{ClassExchange, 11}
	ExchangeDelete    = Signature{ClassExchange, 20}
	ExchangeDeleteOk  = Signature{ClassExchange, 21}
	ExchangeBind      = Signature{ClassExchange, 30}
	ExchangeBindOk    = Signature{ClassExchange, 31}
	ExchangeUnbind    = Signature{ClassExchange, 40}
	ExchangeUnbindOk  = Signature{ClassExchange, 51}

	QueueDeclare   = Signature{ClassQueue, 10}
	QueueDeclareOk = Signature{ClassQueue, 11}
	QueueBind      = Signature{ClassQueue, 20}
	QueueBindOk    = Signature{ClassQueue, 21}
	QueuePurge     = Signature{ClassQueue, 30}
	QueuePurgeOk   = Signature{ClassQueue, 31}
	QueueDelete    = Signature{ClassQueue, 40}
	QueueDeleteOk  = Signature{ClassQueue, 41}
	QueueUnbind    = Signature{ClassQueue, 50}
	QueueUnbindOk  = Signature{ClassQueue, 51}

	BasicQos          = Signature{ClassBasic, 10}
	BasicQosOk        = Signature{ClassBasic, 11}
	BasicConsume      = Signature{ClassBasic, 20}
	BasicConsumeOk    = Signature{ClassBasic, 21}
	BasicCancel       = Signature{ClassBasic, 30}
	BasicCancelOk     = Signature{ClassBasic, 31}
	BasicPublish      = Signature{ClassBasic, 40}
	BasicReturn       = Signature{ClassBasic, 50}
	BasicDeliver      = Signature{ClassBasic, 60}
	BasicGet          = Signature{ClassBasic, 70}
	BasicGetOk        = Signature{ClassBasic, 71}
	BasicGetEmpty     = Signature{ClassBasic, 72}
	BasicAck          = Signature{ClassBasic, 80}
	BasicReject       = Signature{ClassBasic, 90}
	BasicRecoverAsync = Signature{ClassBasic, 100}
	BasicRecover      = Signature{ClassBasic, 110}
	BasicRecoverOk    = Signature{ClassBasic, 111}
	BasicNack         = Signature{ClassBasic, 120}

	ConfirmSelect   = Signature{ClassConfirm, 10}
	ConfirmSelectOk = Signature{ClassConfirm, 11}

	TxSelect     = Signature{ClassTx, 10}
	TxSelectOk   = Signature{ClassTx, 11}
	TxCommit     = Signature{ClassTx, 20}
	TxCommitOk   = Signature{ClassTx, 21}
	TxRollback   = Signature{ClassTx, 30}
	TxRollbackOk = Signature{ClassTx, 31}
)

var classNames = map[uint16]string{
	ClassConnection: "connection",
	ClassChannel:    "channel",
	ClassAccess:     "access",
	ClassExchange:   "exchange",
	ClassQueue:      "queue",
	ClassBasic:      "basic",
	ClassConfirm:    "confirm",
	ClassTx:         "tx",
}

var methodNames = map[Signature]string{
	ConnectionStart: "start", ConnectionStartOk: "start-ok",
	ConnectionSecure: "secure", ConnectionSecureOk: "secure-ok",
	ConnectionTune: "tune", ConnectionTuneOk: "tune-ok",
	ConnectionOpen: "open", ConnectionOpenOk: "open-ok",
	ConnectionRedirect: "redirect",
	ConnectionClose:    "close", ConnectionCloseOk: "close-ok",
	ConnectionBlocked: "blocked", ConnectionUnblocked: "unblocked",

	ChannelOpen: "open", ChannelOpenOk: "open-ok",
	ChannelFlow: "flow", ChannelFlowOk: "flow-ok",
	ChannelClose: "close", ChannelCloseOk: "close-ok",

	AccessRequest: "request", AccessRequestOk: "request-ok",

	ExchangeDeclare: "declare", ExchangeDeclareOk: "declare-ok",
	ExchangeDelete: "delete", ExchangeDeleteOk: "delete-ok",
	ExchangeBind: "bind", ExchangeBindOk: "bind-ok",
	ExchangeUnbind: "unbind", ExchangeUnbindOk: "unbind-ok",

	QueueDeclare: "declare", QueueDeclareOk: "declare-ok",
	QueueBind: "bind", QueueBindOk: "bind-ok",
	QueuePurge: "purge", QueuePurgeOk: "purge-ok",
	QueueDelete: "delete", QueueDeleteOk: "delete-ok",
	QueueUnbind: "unbind", QueueUnbindOk: "unbind-ok",

	BasicQos: "qos", BasicQosOk: "qos-ok",
	BasicConsume: "consume", BasicConsumeOk: "consume-ok",
	BasicCancel: "cancel", BasicCancelOk: "cancel-ok",
	BasicPublish: "publish", BasicReturn: "return", BasicDeliver: "deliver",
	BasicGet: "get", BasicGetOk: "get-ok", BasicGetEmpty: "get-empty",
	BasicAck: "ack", BasicReject: "reject", BasicNack: "nack",
	BasicRecoverAsync: "recover-async", BasicRecover: "recover", BasicRecoverOk: "recover-ok",

	ConfirmSelect: "select", ConfirmSelectOk: "select-ok",

	TxSelect: "select", TxSelectOk: "select-ok",
	TxCommit: "commit", TxCommitOk: "commit-ok",
	TxRollback: "rollback", TxRollbackOk: "rollback-ok",
}

// String returns the method name as class.method, e.g. "queue.declare".
func (s Signature) String() string {
	class, ok := classNames[s.Class]
	if !ok {
		class = fmt.Sprintf("unknown(%d)", s.Class)
	}
	method, ok := methodNames[s]
	if !ok {
		method = fmt.Sprintf("unknown(%d)", s.Method)
	}
	return class + "." + method
}

// IsContent reports whether the method is followed by a content header and body.
func IsContent(s Signature) bool {
	switch s {
	case BasicPublish, BasicReturn, BasicDeliver, BasicGetOk:
		return true
	}
	return false
}

// IsClose reports whether the method tears down a channel or the connection. Close
// methods are dispatched regardless of what a waiter asked for.
func IsClose(s Signature) bool {
	return s == ChannelClose || s == ConnectionClose
}
