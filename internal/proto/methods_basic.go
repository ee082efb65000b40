package proto

import "github.com/aleybovich/carrot-amqp/internal/wire"

type BasicQosMethod struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func (m *BasicQosMethod) ID() Signature { return BasicQos }

func (m *BasicQosMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.PrefetchSize = a.long()
	m.PrefetchCount = a.short()
	m.Global = a.bit()
	return a.err
}

func (m *BasicQosMethod) Write(w *wire.Writer) error {
	w.WriteLong(m.PrefetchSize)
	w.WriteShort(m.PrefetchCount)
	w.WriteBit(m.Global)
	return w.Err()
}

// BasicConsumeMethod carries an arguments table only in 0-9-1.
type BasicConsumeMethod struct {
	Ticket      uint16
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   wire.Table
}

func (m *BasicConsumeMethod) ID() Signature { return BasicConsume }

func (m *BasicConsumeMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Queue = a.shortstr()
	m.ConsumerTag = a.shortstr()
	m.NoLocal = a.bit()
	m.NoAck = a.bit()
	m.Exclusive = a.bit()
	m.NoWait = a.bit()
	if a.more() {
		m.Arguments = a.table()
	}
	return a.err
}

func (m *BasicConsumeMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Queue)
	w.WriteShortstr(m.ConsumerTag)
	w.WriteBit(m.NoLocal)
	w.WriteBit(m.NoAck)
	w.WriteBit(m.Exclusive)
	w.WriteBit(m.NoWait)
	if w.Version() == wire.Version091 {
		w.WriteTable(m.Arguments)
	}
	return w.Err()
}

// ConsumerTagMethod carries basic.consume-ok and basic.cancel-ok.
type ConsumerTagMethod struct {
	Sig         Signature
	ConsumerTag string
}

func (m *ConsumerTagMethod) ID() Signature { return m.Sig }

func (m *ConsumerTagMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.ConsumerTag = a.shortstr()
	return a.err
}

func (m *ConsumerTagMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.ConsumerTag)
	return w.Err()
}

type BasicCancelMethod struct {
	ConsumerTag string
	NoWait      bool
}

func (m *BasicCancelMethod) ID() Signature { return BasicCancel }

func (m *BasicCancelMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.ConsumerTag = a.shortstr()
	m.NoWait = a.bit()
	return a.err
}

func (m *BasicCancelMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.ConsumerTag)
	w.WriteBit(m.NoWait)
	return w.Err()
}

type BasicPublishMethod struct {
	Ticket     uint16
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func (m *BasicPublishMethod) ID() Signature { return BasicPublish }

func (m *BasicPublishMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Exchange = a.shortstr()
	m.RoutingKey = a.shortstr()
	m.Mandatory = a.bit()
	m.Immediate = a.bit()
	return a.err
}

func (m *BasicPublishMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Exchange)
	w.WriteShortstr(m.RoutingKey)
	w.WriteBit(m.Mandatory)
	w.WriteBit(m.Immediate)
	return w.Err()
}

type BasicReturnMethod struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

func (m *BasicReturnMethod) ID() Signature { return BasicReturn }

func (m *BasicReturnMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.ReplyCode = a.short()
	m.ReplyText = a.shortstr()
	m.Exchange = a.shortstr()
	m.RoutingKey = a.shortstr()
	return a.err
}

func (m *BasicReturnMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.ReplyCode)
	w.WriteShortstr(m.ReplyText)
	w.WriteShortstr(m.Exchange)
	w.WriteShortstr(m.RoutingKey)
	return w.Err()
}

type BasicDeliverMethod struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func (m *BasicDeliverMethod) ID() Signature { return BasicDeliver }

func (m *BasicDeliverMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.ConsumerTag = a.shortstr()
	m.DeliveryTag = a.longlong()
	m.Redelivered = a.bit()
	m.Exchange = a.shortstr()
	m.RoutingKey = a.shortstr()
	return a.err
}

func (m *BasicDeliverMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.ConsumerTag)
	w.WriteLonglong(m.DeliveryTag)
	w.WriteBit(m.Redelivered)
	w.WriteShortstr(m.Exchange)
	w.WriteShortstr(m.RoutingKey)
	return w.Err()
}

type BasicGetMethod struct {
	Ticket uint16
	Queue  string
	NoAck  bool
}

func (m *BasicGetMethod) ID() Signature { return BasicGet }

func (m *BasicGetMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Queue = a.shortstr()
	m.NoAck = a.bit()
	return a.err
}

func (m *BasicGetMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Queue)
	w.WriteBit(m.NoAck)
	return w.Err()
}

type BasicGetOkMethod struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
}

func (m *BasicGetOkMethod) ID() Signature { return BasicGetOk }

func (m *BasicGetOkMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.DeliveryTag = a.longlong()
	m.Redelivered = a.bit()
	m.Exchange = a.shortstr()
	m.RoutingKey = a.shortstr()
	m.MessageCount = a.long()
	return a.err
}

func (m *BasicGetOkMethod) Write(w *wire.Writer) error {
	w.WriteLonglong(m.DeliveryTag)
	w.WriteBit(m.Redelivered)
	w.WriteShortstr(m.Exchange)
	w.WriteShortstr(m.RoutingKey)
	w.WriteLong(m.MessageCount)
	return w.Err()
}

type BasicGetEmptyMethod struct {
	ClusterID string
}

func (m *BasicGetEmptyMethod) ID() Signature { return BasicGetEmpty }

func (m *BasicGetEmptyMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	if a.more() {
		m.ClusterID = a.shortstr()
	}
	return a.err
}

func (m *BasicGetEmptyMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.ClusterID)
	return w.Err()
}

// BasicAckMethod carries basic.ack, basic.nack and basic.reject. Reject has no
// multiple flag.
type BasicAckMethod struct {
	Sig         Signature
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func NewAck(tag uint64, multiple bool) *BasicAckMethod {
	return &BasicAckMethod{Sig: BasicAck, DeliveryTag: tag, Multiple: multiple}
}

func NewNack(tag uint64, multiple, requeue bool) *BasicAckMethod {
	return &BasicAckMethod{Sig: BasicNack, DeliveryTag: tag, Multiple: multiple, Requeue: requeue}
}

func NewReject(tag uint64, requeue bool) *BasicAckMethod {
	return &BasicAckMethod{Sig: BasicReject, DeliveryTag: tag, Requeue: requeue}
}

func (m *BasicAckMethod) ID() Signature { return m.Sig }

func (m *BasicAckMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.DeliveryTag = a.longlong()
	switch m.Sig {
	case BasicAck:
		m.Multiple = a.bit()
	case BasicNack:
		m.Multiple = a.bit()
		m.Requeue = a.bit()
	case BasicReject:
		m.Requeue = a.bit()
	}
	return a.err
}

func (m *BasicAckMethod) Write(w *wire.Writer) error {
	w.WriteLonglong(m.DeliveryTag)
	switch m.Sig {
	case BasicAck:
		w.WriteBit(m.Multiple)
	case BasicNack:
		w.WriteBit(m.Multiple)
		w.WriteBit(m.Requeue)
	case BasicReject:
		w.WriteBit(m.Requeue)
	}
	return w.Err()
}

// BasicRecoverMethod carries basic.recover and basic.recover-async.
type BasicRecoverMethod struct {
	Requeue bool
	Async   bool
}

func (m *BasicRecoverMethod) ID() Signature {
	if m.Async {
		return BasicRecoverAsync
	}
	return BasicRecover
}

func (m *BasicRecoverMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Requeue = a.bit()
	return a.err
}

func (m *BasicRecoverMethod) Write(w *wire.Writer) error {
	w.WriteBit(m.Requeue)
	return w.Err()
}

type ConfirmSelectMethod struct {
	NoWait bool
}

func (m *ConfirmSelectMethod) ID() Signature { return ConfirmSelect }

func (m *ConfirmSelectMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.NoWait = a.bit()
	return a.err
}

func (m *ConfirmSelectMethod) Write(w *wire.Writer) error {
	w.WriteBit(m.NoWait)
	return w.Err()
}
