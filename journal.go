package carrot

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aleybovich/carrot-amqp/internal/proto"
	"github.com/aleybovich/carrot-amqp/internal/wire"
	"github.com/aleybovich/carrot-amqp/logger"
	"github.com/aleybovich/carrot-amqp/storage"
)

// journalRecord is the stored form of one unconfirmed publish. The content header is
// kept in its wire encoding so table values keep their exact types.
type journalRecord struct {
	Session     string               `json:"session"`
	Channel     uint16               `json:"channel"`
	DeliveryTag uint64               `json:"delivery_tag"`
	Exchange    string               `json:"exchange"`
	RoutingKey  string               `json:"routing_key"`
	Mandatory   bool                 `json:"mandatory"`
	Immediate   bool                 `json:"immediate"`
	Protocol    wire.ProtocolVersion `json:"protocol"`
	Header      []byte               `json:"header"`
	Body        []byte               `json:"body"`
	PublishedAt time.Time            `json:"published_at"`
}

// UnconfirmedPublish is a journaled publish the broker never acked or nacked.
type UnconfirmedPublish struct {
	Exchange    string
	RoutingKey  string
	Mandatory   bool
	Immediate   bool
	Message     *Message
	PublishedAt time.Time

	// Session identifies the connection that published it.
	Session string
	key     string
}

func journalPrefix(namespace string) string {
	return storage.KeyPrefixConfirm + namespace + ":"
}

func journalKey(namespace, session string, channel uint16, tag uint64) string {
	return fmt.Sprintf("%s%s:%05d:%020d", journalPrefix(namespace), session, channel, tag)
}

// confirmJournal mirrors the unconfirmed publishes of one channel into storage.
type confirmJournal struct {
	provider  storage.StorageProvider
	namespace string
	session   string
	channel   uint16
	version   wire.ProtocolVersion
	logger    logger.Logger
}

func newConfirmJournal(p storage.StorageProvider, namespace, session string, channel uint16, v wire.ProtocolVersion, l logger.Logger) *confirmJournal {
	return &confirmJournal{
		provider:  p,
		namespace: namespace,
		session:   session,
		channel:   channel,
		version:   v,
		logger:    l,
	}
}

// record encodes pub as a journal entry for tag.
func (j *confirmJournal) record(tag uint64, pub *pendingPublish) (string, []byte, error) {
	header := proto.ContentHeader{
		ClassID:    proto.ClassBasic,
		BodySize:   uint64(len(pub.msg.Body)),
		Properties: pub.msg.Properties,
	}
	hb, err := header.Encode(j.version)
	if err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(&journalRecord{
		Session:     j.session,
		Channel:     j.channel,
		DeliveryTag: tag,
		Exchange:    pub.exchange,
		RoutingKey:  pub.key,
		Mandatory:   pub.mandatory,
		Immediate:   pub.immediate,
		Protocol:    j.version,
		Header:      hb,
		Body:        pub.msg.Body,
		PublishedAt: time.Now(),
	})
	if err != nil {
		return "", nil, err
	}
	return journalKey(j.namespace, j.session, j.channel, tag), data, nil
}

// save records pub under tag. Failures are logged; the publish itself goes ahead.
func (j *confirmJournal) save(tag uint64, pub *pendingPublish) {
	key, data, err := j.record(tag, pub)
	if err == nil {
		err = j.provider.Set(key, data)
	}
	if err != nil {
		j.logger.Err("Journaling publish %d: %v", tag, err)
	}
}

// saveBatch records a batch in one storage update. tags and pubs are parallel.
func (j *confirmJournal) saveBatch(tags []uint64, pubs []*pendingPublish) {
	items := make(map[string][]byte, len(tags))
	for i, tag := range tags {
		key, data, err := j.record(tag, pubs[i])
		if err != nil {
			j.logger.Err("Journaling publish %d: %v", tag, err)
			continue
		}
		items[key] = data
	}
	if len(items) == 0 {
		return
	}
	if err := j.provider.SetBatch(items); err != nil {
		j.logger.Err("Journaling batch of %d publishes: %v", len(items), err)
	}
}

func (j *confirmJournal) remove(tags []uint64) {
	if len(tags) == 0 {
		return
	}
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = journalKey(j.namespace, j.session, j.channel, tag)
	}
	if err := j.provider.DeleteBatch(keys); err != nil {
		j.logger.Warn("Removing %d confirmed publishes from the journal: %v", len(keys), err)
	}
}

// loadJournal reads every record in namespace in key order.
func loadJournal(p storage.StorageProvider, namespace string, l logger.Logger) ([]*UnconfirmedPublish, error) {
	var out []*UnconfirmedPublish
	err := p.Scan(journalPrefix(namespace), func(key string, value []byte) error {
		var rec journalRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			l.Warn("Skipping unreadable journal record %s: %v", key, err)
			return nil
		}
		hdr, err := proto.DecodeContentHeader(rec.Header, rec.Protocol)
		if err != nil {
			l.Warn("Skipping journal record %s with a bad content header: %v", key, err)
			return nil
		}
		out = append(out, &UnconfirmedPublish{
			Exchange:    rec.Exchange,
			RoutingKey:  rec.RoutingKey,
			Mandatory:   rec.Mandatory,
			Immediate:   rec.Immediate,
			Message:     &Message{Body: rec.Body, Properties: hdr.Properties},
			PublishedAt: rec.PublishedAt,
			Session:     rec.Session,
			key:         key,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning confirm journal: %w", err)
	}
	return out, nil
}

// Unconfirmed lists every journaled publish in the connection's namespace, including
// those of earlier sessions.
func (c *Connection) Unconfirmed() ([]*UnconfirmedPublish, error) {
	if c.opts.journal == nil {
		return nil, nil
	}
	return loadJournal(c.opts.journal, c.opts.journalNamespace, c.logger)
}

// RecoverUnconfirmed republishes every journaled publish left behind by earlier
// sessions and removes the old records. It returns how many were republished. In
// confirm mode the republished messages are tracked and journaled again under new
// delivery tags.
func (ch *Channel) RecoverUnconfirmed() (int, error) {
	if ch.journal == nil {
		return 0, nil
	}
	pubs, err := loadJournal(ch.journal.provider, ch.journal.namespace, ch.logger)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, p := range pubs {
		if p.Session == ch.journal.session {
			continue
		}
		if _, err := ch.Publish(p.Exchange, p.RoutingKey, p.Mandatory, p.Immediate, p.Message); err != nil {
			return n, fmt.Errorf("republishing journaled message %s: %w", strings.TrimPrefix(p.key, storage.KeyPrefixConfirm), err)
		}
		if err := ch.journal.provider.Delete(p.key); err != nil {
			return n, fmt.Errorf("removing journal record %s: %w", p.key, err)
		}
		n++
	}
	if n > 0 {
		ch.logger.Info("Republished %d unconfirmed messages", n)
	}
	return n, nil
}

// DiscardUnconfirmed drops journal records left behind by earlier sessions without
// republishing them. It returns how many were removed.
func (c *Connection) DiscardUnconfirmed() (int, error) {
	if c.opts.journal == nil {
		return 0, nil
	}
	pubs, err := c.Unconfirmed()
	if err != nil {
		return 0, err
	}
	var keys []string
	for _, p := range pubs {
		if p.Session != c.session {
			keys = append(keys, p.key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := c.opts.journal.BeginTx()
	if err != nil {
		return 0, fmt.Errorf("starting journal transaction: %w", err)
	}
	if err := tx.DeleteBatch(keys); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing journal cleanup: %w", err)
	}
	return len(keys), nil
}
