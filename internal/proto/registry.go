package proto

import (
	"fmt"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/wire"
)

// Registry is the static method table of one protocol dialect. It maps signatures
// to constructors and translates the few ids that differ on the wire.
type Registry struct {
	version   wire.ProtocolVersion
	factories map[Signature]func() Method
	toWire    map[Signature]Signature
	fromWire  map[Signature]Signature
}

var (
	registry091 = newRegistry(wire.Version091)
	registry08  = newRegistry(wire.Version08)
)

// For returns the method table for a protocol version.
func For(v wire.ProtocolVersion) *Registry {
	if v == wire.Version08 {
		return registry08
	}
	return registry091
}

func empty(s Signature) func() Method {
	return func() Method { return &Empty{Sig: s} }
}

func newRegistry(v wire.ProtocolVersion) *Registry {
	r := &Registry{
		version: v,
		factories: map[Signature]func() Method{
			ConnectionStart:    func() Method { return &ConnectionStartMethod{} },
			ConnectionStartOk:  func() Method { return &ConnectionStartOkMethod{} },
			ConnectionSecure:   func() Method { return &ConnectionSecureMethod{} },
			ConnectionSecureOk: func() Method { return &ConnectionSecureOkMethod{} },
			ConnectionTune:     func() Method { return &ConnectionTuneMethod{} },
			ConnectionTuneOk:   func() Method { return &ConnectionTuneMethod{ok: true} },
			ConnectionOpen:     func() Method { return &ConnectionOpenMethod{} },
			ConnectionOpenOk:   func() Method { return &ConnectionOpenOkMethod{} },
			ConnectionClose:    func() Method { return &CloseMethod{} },
			ConnectionCloseOk:  empty(ConnectionCloseOk),

			ChannelOpen:    func() Method { return &ChannelOpenMethod{} },
			ChannelOpenOk:  func() Method { return &ChannelOpenOkMethod{} },
			ChannelFlow:    func() Method { return &ChannelFlowMethod{} },
			ChannelFlowOk:  func() Method { return &ChannelFlowMethod{ok: true} },
			ChannelClose:   func() Method { return &CloseMethod{channel: true} },
			ChannelCloseOk: empty(ChannelCloseOk),

			AccessRequest:   func() Method { return &AccessRequestMethod{} },
			AccessRequestOk: func() Method { return &AccessRequestOkMethod{} },

			ExchangeDeclare:   func() Method { return &ExchangeDeclareMethod{} },
			ExchangeDeclareOk: empty(ExchangeDeclareOk),
			ExchangeDelete:    func() Method { return &ExchangeDeleteMethod{} },
			ExchangeDeleteOk:  empty(ExchangeDeleteOk),

			QueueDeclare:   func() Method { return &QueueDeclareMethod{} },
			QueueDeclareOk: func() Method { return &QueueDeclareOkMethod{} },
			QueueBind:      func() Method { return &QueueBindMethod{} },
			QueueBindOk:    empty(QueueBindOk),
			QueuePurge:     func() Method { return &QueuePurgeMethod{} },
			QueuePurgeOk:   func() Method { return &MessageCountMethod{Sig: QueuePurgeOk} },
			QueueDelete:    func() Method { return &QueueDeleteMethod{} },
			QueueDeleteOk:  func() Method { return &MessageCountMethod{Sig: QueueDeleteOk} },
			QueueUnbind:    func() Method { return &QueueUnbindMethod{} },
			QueueUnbindOk:  empty(QueueUnbindOk),

			BasicQos:          func() Method { return &BasicQosMethod{} },
			BasicQosOk:        empty(BasicQosOk),
			BasicConsume:      func() Method { return &BasicConsumeMethod{} },
			BasicConsumeOk:    func() Method { return &ConsumerTagMethod{Sig: BasicConsumeOk} },
			BasicCancel:       func() Method { return &BasicCancelMethod{} },
			BasicCancelOk:     func() Method { return &ConsumerTagMethod{Sig: BasicCancelOk} },
			BasicPublish:      func() Method { return &BasicPublishMethod{} },
			BasicReturn:       func() Method { return &BasicReturnMethod{} },
			BasicDeliver:      func() Method { return &BasicDeliverMethod{} },
			BasicGet:          func() Method { return &BasicGetMethod{} },
			BasicGetOk:        func() Method { return &BasicGetOkMethod{} },
			BasicGetEmpty:     func() Method { return &BasicGetEmptyMethod{} },
			BasicAck:          func() Method { return &BasicAckMethod{Sig: BasicAck} },
			BasicReject:       func() Method { return &BasicAckMethod{Sig: BasicReject} },
			BasicRecoverAsync: func() Method { return &BasicRecoverMethod{Async: true} },

			TxSelect:     empty(TxSelect),
			TxSelectOk:   empty(TxSelectOk),
			TxCommit:     empty(TxCommit),
			TxCommitOk:   empty(TxCommitOk),
			TxRollback:   empty(TxRollback),
			TxRollbackOk: empty(TxRollbackOk),
		},
		toWire:   map[Signature]Signature{},
		fromWire: map[Signature]Signature{},
	}

	switch v {
	case wire.Version08:
		r.factories[ConnectionRedirect] = func() Method { return &ConnectionRedirectMethod{} }
		r.translate(ConnectionClose, Signature{ClassConnection, 60})
		r.translate(ConnectionCloseOk, Signature{ClassConnection, 61})
		r.translate(ConnectionRedirect, Signature{ClassConnection, 50})
	default:
		r.factories[ConnectionBlocked] = func() Method { return &ConnectionBlockedMethod{} }
		r.factories[ConnectionUnblocked] = empty(ConnectionUnblocked)
		r.factories[ExchangeBind] = func() Method { return &ExchangeBindMethod{} }
		r.factories[ExchangeBindOk] = empty(ExchangeBindOk)
		r.factories[ExchangeUnbind] = func() Method { return &ExchangeBindMethod{Unbind: true} }
		r.factories[ExchangeUnbindOk] = empty(ExchangeUnbindOk)
		r.factories[BasicRecover] = func() Method { return &BasicRecoverMethod{} }
		r.factories[BasicRecoverOk] = empty(BasicRecoverOk)
		r.factories[BasicNack] = func() Method { return &BasicAckMethod{Sig: BasicNack} }
		r.factories[ConfirmSelect] = func() Method { return &ConfirmSelectMethod{} }
		r.factories[ConfirmSelectOk] = empty(ConfirmSelectOk)
	}
	return r
}

func (r *Registry) translate(canonical, onWire Signature) {
	r.toWire[canonical] = onWire
	r.fromWire[onWire] = canonical
}

// Version returns the dialect of this table.
func (r *Registry) Version() wire.ProtocolVersion { return r.version }

// Supports reports whether the dialect defines the method.
func (r *Registry) Supports(s Signature) bool {
	_, ok := r.factories[s]
	return ok
}

// WireID returns the ids the method carries on the wire in this dialect.
func (r *Registry) WireID(s Signature) Signature {
	if w, ok := r.toWire[s]; ok {
		return w
	}
	return s
}

// Canonical maps wire ids back to the signature used throughout the client.
func (r *Registry) Canonical(onWire Signature) Signature {
	if s, ok := r.fromWire[onWire]; ok {
		return s
	}
	if _, ok := r.toWire[onWire]; ok {
		// The canonical id is reused for another method in this dialect.
		return Signature{}
	}
	return onWire
}

// Encode serializes a method frame payload: class-id, method-id, arguments.
func (r *Registry) Encode(m Method) ([]byte, error) {
	sig := m.ID()
	if !r.Supports(sig) {
		return nil, fmt.Errorf("%w: %s is not part of protocol %s", amqpError.ErrUnknownMethod, sig, r.version)
	}
	id := r.WireID(sig)

	w := wire.NewWriter(r.version)
	w.WriteShort(id.Class)
	w.WriteShort(id.Method)
	if err := m.Write(w); err != nil {
		return nil, fmt.Errorf("encode %s: %w", sig, err)
	}
	return w.Bytes()
}

// Decode parses a method frame payload.
func (r *Registry) Decode(payload []byte) (Method, error) {
	rd := wire.NewReader(payload, r.version)
	class, err := rd.ReadShort()
	if err != nil {
		return nil, amqpError.NewFramingError("method frame too short (%d bytes)", len(payload))
	}
	method, err := rd.ReadShort()
	if err != nil {
		return nil, amqpError.NewFramingError("method frame too short (%d bytes)", len(payload))
	}

	sig := r.Canonical(Signature{class, method})
	factory, ok := r.factories[sig]
	if !ok {
		return nil, fmt.Errorf("%w: class=%d method=%d in protocol %s",
			amqpError.ErrUnknownMethod, class, method, r.version)
	}
	m := factory()
	if err := m.Read(rd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", sig, err)
	}
	return m, nil
}
