package proto

import "github.com/aleybovich/carrot-amqp/internal/wire"

type ChannelOpenMethod struct {
	OutOfBand string
}

func (m *ChannelOpenMethod) ID() Signature { return ChannelOpen }

func (m *ChannelOpenMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.OutOfBand = a.shortstr()
	return a.err
}

func (m *ChannelOpenMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.OutOfBand)
	return w.Err()
}

// ChannelOpenOkMethod has a reserved long string in 0-9-1 and no fields in 0-8.
type ChannelOpenOkMethod struct {
	ChannelID string
}

func (m *ChannelOpenOkMethod) ID() Signature { return ChannelOpenOk }

func (m *ChannelOpenOkMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	if a.more() {
		m.ChannelID = a.longstr()
	}
	return a.err
}

func (m *ChannelOpenOkMethod) Write(w *wire.Writer) error {
	if w.Version() == wire.Version091 {
		w.WriteLongstr(m.ChannelID)
	}
	return w.Err()
}

// ChannelFlowMethod carries channel.flow or channel.flow-ok.
type ChannelFlowMethod struct {
	Active bool
	ok     bool
}

func NewFlow(active bool) *ChannelFlowMethod   { return &ChannelFlowMethod{Active: active} }
func NewFlowOk(active bool) *ChannelFlowMethod { return &ChannelFlowMethod{Active: active, ok: true} }

func (m *ChannelFlowMethod) ID() Signature {
	if m.ok {
		return ChannelFlowOk
	}
	return ChannelFlow
}

func (m *ChannelFlowMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Active = a.bit()
	return a.err
}

func (m *ChannelFlowMethod) Write(w *wire.Writer) error {
	w.WriteBit(m.Active)
	return w.Err()
}

type AccessRequestMethod struct {
	Realm     string
	Exclusive bool
	Passive   bool
	Active    bool
	Write_    bool
	Read_     bool
}

func (m *AccessRequestMethod) ID() Signature { return AccessRequest }

func (m *AccessRequestMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Realm = a.shortstr()
	m.Exclusive = a.bit()
	m.Passive = a.bit()
	m.Active = a.bit()
	m.Write_ = a.bit()
	m.Read_ = a.bit()
	return a.err
}

func (m *AccessRequestMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.Realm)
	w.WriteBit(m.Exclusive)
	w.WriteBit(m.Passive)
	w.WriteBit(m.Active)
	w.WriteBit(m.Write_)
	w.WriteBit(m.Read_)
	return w.Err()
}

type AccessRequestOkMethod struct {
	Ticket uint16
}

func (m *AccessRequestOkMethod) ID() Signature { return AccessRequestOk }

func (m *AccessRequestOkMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	return a.err
}

func (m *AccessRequestOkMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	return w.Err()
}

type ExchangeDeclareMethod struct {
	Ticket     uint16
	Exchange   string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  wire.Table
}

func (m *ExchangeDeclareMethod) ID() Signature { return ExchangeDeclare }

func (m *ExchangeDeclareMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Exchange = a.shortstr()
	m.Type = a.shortstr()
	m.Passive = a.bit()
	m.Durable = a.bit()
	m.AutoDelete = a.bit()
	m.Internal = a.bit()
	m.NoWait = a.bit()
	m.Arguments = a.table()
	return a.err
}

func (m *ExchangeDeclareMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Exchange)
	w.WriteShortstr(m.Type)
	w.WriteBit(m.Passive)
	w.WriteBit(m.Durable)
	w.WriteBit(m.AutoDelete)
	w.WriteBit(m.Internal)
	w.WriteBit(m.NoWait)
	w.WriteTable(m.Arguments)
	return w.Err()
}

type ExchangeDeleteMethod struct {
	Ticket   uint16
	Exchange string
	IfUnused bool
	NoWait   bool
}

func (m *ExchangeDeleteMethod) ID() Signature { return ExchangeDelete }

func (m *ExchangeDeleteMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Exchange = a.shortstr()
	m.IfUnused = a.bit()
	m.NoWait = a.bit()
	return a.err
}

func (m *ExchangeDeleteMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Exchange)
	w.WriteBit(m.IfUnused)
	w.WriteBit(m.NoWait)
	return w.Err()
}

// ExchangeBindMethod carries exchange.bind or exchange.unbind (exchange-to-exchange).
type ExchangeBindMethod struct {
	Ticket      uint16
	Destination string
	Source      string
	RoutingKey  string
	NoWait      bool
	Arguments   wire.Table
	Unbind      bool
}

func (m *ExchangeBindMethod) ID() Signature {
	if m.Unbind {
		return ExchangeUnbind
	}
	return ExchangeBind
}

func (m *ExchangeBindMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Destination = a.shortstr()
	m.Source = a.shortstr()
	m.RoutingKey = a.shortstr()
	m.NoWait = a.bit()
	m.Arguments = a.table()
	return a.err
}

func (m *ExchangeBindMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Destination)
	w.WriteShortstr(m.Source)
	w.WriteShortstr(m.RoutingKey)
	w.WriteBit(m.NoWait)
	w.WriteTable(m.Arguments)
	return w.Err()
}

type QueueDeclareMethod struct {
	Ticket     uint16
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  wire.Table
}

func (m *QueueDeclareMethod) ID() Signature { return QueueDeclare }

func (m *QueueDeclareMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Queue = a.shortstr()
	m.Passive = a.bit()
	m.Durable = a.bit()
	m.Exclusive = a.bit()
	m.AutoDelete = a.bit()
	m.NoWait = a.bit()
	m.Arguments = a.table()
	return a.err
}

func (m *QueueDeclareMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Queue)
	w.WriteBit(m.Passive)
	w.WriteBit(m.Durable)
	w.WriteBit(m.Exclusive)
	w.WriteBit(m.AutoDelete)
	w.WriteBit(m.NoWait)
	w.WriteTable(m.Arguments)
	return w.Err()
}

type QueueDeclareOkMethod struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func (m *QueueDeclareOkMethod) ID() Signature { return QueueDeclareOk }

func (m *QueueDeclareOkMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Queue = a.shortstr()
	m.MessageCount = a.long()
	m.ConsumerCount = a.long()
	return a.err
}

func (m *QueueDeclareOkMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.Queue)
	w.WriteLong(m.MessageCount)
	w.WriteLong(m.ConsumerCount)
	return w.Err()
}

type QueueBindMethod struct {
	Ticket     uint16
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  wire.Table
}

func (m *QueueBindMethod) ID() Signature { return QueueBind }

func (m *QueueBindMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Queue = a.shortstr()
	m.Exchange = a.shortstr()
	m.RoutingKey = a.shortstr()
	m.NoWait = a.bit()
	m.Arguments = a.table()
	return a.err
}

func (m *QueueBindMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Queue)
	w.WriteShortstr(m.Exchange)
	w.WriteShortstr(m.RoutingKey)
	w.WriteBit(m.NoWait)
	w.WriteTable(m.Arguments)
	return w.Err()
}

// QueueUnbindMethod has no nowait flag.
type QueueUnbindMethod struct {
	Ticket     uint16
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  wire.Table
}

func (m *QueueUnbindMethod) ID() Signature { return QueueUnbind }

func (m *QueueUnbindMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Queue = a.shortstr()
	m.Exchange = a.shortstr()
	m.RoutingKey = a.shortstr()
	m.Arguments = a.table()
	return a.err
}

func (m *QueueUnbindMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Queue)
	w.WriteShortstr(m.Exchange)
	w.WriteShortstr(m.RoutingKey)
	w.WriteTable(m.Arguments)
	return w.Err()
}

type QueuePurgeMethod struct {
	Ticket uint16
	Queue  string
	NoWait bool
}

func (m *QueuePurgeMethod) ID() Signature { return QueuePurge }

func (m *QueuePurgeMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Queue = a.shortstr()
	m.NoWait = a.bit()
	return a.err
}

func (m *QueuePurgeMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Queue)
	w.WriteBit(m.NoWait)
	return w.Err()
}

type QueueDeleteMethod struct {
	Ticket   uint16
	Queue    string
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

func (m *QueueDeleteMethod) ID() Signature { return QueueDelete }

func (m *QueueDeleteMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Ticket = a.short()
	m.Queue = a.shortstr()
	m.IfUnused = a.bit()
	m.IfEmpty = a.bit()
	m.NoWait = a.bit()
	return a.err
}

func (m *QueueDeleteMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.Ticket)
	w.WriteShortstr(m.Queue)
	w.WriteBit(m.IfUnused)
	w.WriteBit(m.IfEmpty)
	w.WriteBit(m.NoWait)
	return w.Err()
}

// MessageCountMethod carries queue.purge-ok and queue.delete-ok.
type MessageCountMethod struct {
	Sig          Signature
	MessageCount uint32
}

func (m *MessageCountMethod) ID() Signature { return m.Sig }

func (m *MessageCountMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.MessageCount = a.long()
	return a.err
}

func (m *MessageCountMethod) Write(w *wire.Writer) error {
	w.WriteLong(m.MessageCount)
	return w.Err()
}
