package proto

import "github.com/aleybovich/carrot-amqp/internal/wire"

// Method is one AMQP method with its arguments.
type Method interface {
	ID() Signature
	Read(r *wire.Reader) error
	Write(w *wire.Writer) error
}

type ConnectionStartMethod struct {
	VersionMajor     uint8
	VersionMinor     uint8
	ServerProperties wire.Table
	Mechanisms       string
	Locales          string
}

func (m *ConnectionStartMethod) ID() Signature { return ConnectionStart }

func (m *ConnectionStartMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.VersionMajor = a.octet()
	m.VersionMinor = a.octet()
	m.ServerProperties = a.table()
	m.Mechanisms = a.longstr()
	m.Locales = a.longstr()
	return a.err
}

func (m *ConnectionStartMethod) Write(w *wire.Writer) error {
	w.WriteOctet(m.VersionMajor)
	w.WriteOctet(m.VersionMinor)
	w.WriteTable(m.ServerProperties)
	w.WriteLongstr(m.Mechanisms)
	w.WriteLongstr(m.Locales)
	return w.Err()
}

type ConnectionStartOkMethod struct {
	ClientProperties wire.Table
	Mechanism        string
	Response         string
	Locale           string
}

func (m *ConnectionStartOkMethod) ID() Signature { return ConnectionStartOk }

func (m *ConnectionStartOkMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.ClientProperties = a.table()
	m.Mechanism = a.shortstr()
	m.Response = a.longstr()
	m.Locale = a.shortstr()
	return a.err
}

func (m *ConnectionStartOkMethod) Write(w *wire.Writer) error {
	w.WriteTable(m.ClientProperties)
	w.WriteShortstr(m.Mechanism)
	w.WriteLongstr(m.Response)
	w.WriteShortstr(m.Locale)
	return w.Err()
}

type ConnectionSecureMethod struct {
	Challenge string
}

func (m *ConnectionSecureMethod) ID() Signature { return ConnectionSecure }

func (m *ConnectionSecureMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Challenge = a.longstr()
	return a.err
}

func (m *ConnectionSecureMethod) Write(w *wire.Writer) error {
	w.WriteLongstr(m.Challenge)
	return w.Err()
}

type ConnectionSecureOkMethod struct {
	Response string
}

func (m *ConnectionSecureOkMethod) ID() Signature { return ConnectionSecureOk }

func (m *ConnectionSecureOkMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Response = a.longstr()
	return a.err
}

func (m *ConnectionSecureOkMethod) Write(w *wire.Writer) error {
	w.WriteLongstr(m.Response)
	return w.Err()
}

// ConnectionTuneMethod is used for both tune and tune-ok; the two carry the same fields.
type ConnectionTuneMethod struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
	ok         bool
}

// NewTuneOk builds a connection.tune-ok.
func NewTuneOk(channelMax uint16, frameMax uint32, heartbeat uint16) *ConnectionTuneMethod {
	return &ConnectionTuneMethod{ChannelMax: channelMax, FrameMax: frameMax, Heartbeat: heartbeat, ok: true}
}

func (m *ConnectionTuneMethod) ID() Signature {
	if m.ok {
		return ConnectionTuneOk
	}
	return ConnectionTune
}

func (m *ConnectionTuneMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.ChannelMax = a.short()
	m.FrameMax = a.long()
	m.Heartbeat = a.short()
	return a.err
}

func (m *ConnectionTuneMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.ChannelMax)
	w.WriteLong(m.FrameMax)
	w.WriteShort(m.Heartbeat)
	return w.Err()
}

type ConnectionOpenMethod struct {
	VirtualHost  string
	Capabilities string
	Insist       bool
}

func (m *ConnectionOpenMethod) ID() Signature { return ConnectionOpen }

func (m *ConnectionOpenMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.VirtualHost = a.shortstr()
	m.Capabilities = a.shortstr()
	m.Insist = a.bit()
	return a.err
}

func (m *ConnectionOpenMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.VirtualHost)
	w.WriteShortstr(m.Capabilities)
	w.WriteBit(m.Insist)
	return w.Err()
}

type ConnectionOpenOkMethod struct {
	KnownHosts string
}

func (m *ConnectionOpenOkMethod) ID() Signature { return ConnectionOpenOk }

func (m *ConnectionOpenOkMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	if a.more() {
		m.KnownHosts = a.shortstr()
	}
	return a.err
}

func (m *ConnectionOpenOkMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.KnownHosts)
	return w.Err()
}

// ConnectionRedirectMethod only exists in protocol 0-8.
type ConnectionRedirectMethod struct {
	Host       string
	KnownHosts string
}

func (m *ConnectionRedirectMethod) ID() Signature { return ConnectionRedirect }

func (m *ConnectionRedirectMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Host = a.shortstr()
	if a.more() {
		m.KnownHosts = a.shortstr()
	}
	return a.err
}

func (m *ConnectionRedirectMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.Host)
	w.WriteShortstr(m.KnownHosts)
	return w.Err()
}

// CloseMethod carries connection.close or channel.close.
type CloseMethod struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
	channel   bool
}

func NewConnectionClose(code uint16, text string, classID, methodID uint16) *CloseMethod {
	return &CloseMethod{ReplyCode: code, ReplyText: text, ClassID: classID, MethodID: methodID}
}

func NewChannelClose(code uint16, text string, classID, methodID uint16) *CloseMethod {
	return &CloseMethod{ReplyCode: code, ReplyText: text, ClassID: classID, MethodID: methodID, channel: true}
}

func (m *CloseMethod) ID() Signature {
	if m.channel {
		return ChannelClose
	}
	return ConnectionClose
}

func (m *CloseMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.ReplyCode = a.short()
	m.ReplyText = a.shortstr()
	m.ClassID = a.short()
	m.MethodID = a.short()
	return a.err
}

func (m *CloseMethod) Write(w *wire.Writer) error {
	w.WriteShort(m.ReplyCode)
	w.WriteShortstr(m.ReplyText)
	w.WriteShort(m.ClassID)
	w.WriteShort(m.MethodID)
	return w.Err()
}

type ConnectionBlockedMethod struct {
	Reason string
}

func (m *ConnectionBlockedMethod) ID() Signature { return ConnectionBlocked }

func (m *ConnectionBlockedMethod) Read(r *wire.Reader) error {
	a := args{r: r}
	m.Reason = a.shortstr()
	return a.err
}

func (m *ConnectionBlockedMethod) Write(w *wire.Writer) error {
	w.WriteShortstr(m.Reason)
	return w.Err()
}

// Empty is a method without arguments (close-ok, unblocked, the *-ok replies of
// channel, tx, confirm and queue.bind/unbind).
type Empty struct {
	Sig Signature
}

func (m *Empty) ID() Signature              { return m.Sig }
func (m *Empty) Read(r *wire.Reader) error  { return nil }
func (m *Empty) Write(w *wire.Writer) error { return w.Err() }
