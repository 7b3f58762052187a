package room

import "slices"

// Status is the consumer-side view of a message: sent, then delivered, then seen.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// Message is one ledger entry. DeliveredBy and SeenBy only ever grow.
type Message struct {
	ID          string   `json:"id"`
	SenderID    string   `json:"senderId"`
	Username    string   `json:"username"`
	Text        string   `json:"text"`
	Time        int64    `json:"time"`
	ClientTime  int64    `json:"clientTime,omitempty"`
	DeliveredBy []string `json:"deliveredBy"`
	SeenBy      []string `json:"seenBy"`
	Delivered   bool     `json:"delivered"`
}

// Status derives the indicator shown next to the message. Seen requires a
// viewer other than the sender.
func (m Message) Status() Status {
	for _, id := range m.SeenBy {
		if id != m.SenderID {
			return StatusSeen
		}
	}
	if m.Delivered {
		return StatusDelivered
	}
	return StatusSent
}

func (m Message) clone() Message {
	m.DeliveredBy = slices.Clone(m.DeliveredBy)
	m.SeenBy = slices.Clone(m.SeenBy)
	if m.DeliveredBy == nil {
		m.DeliveredBy = []string{}
	}
	if m.SeenBy == nil {
		m.SeenBy = []string{}
	}
	return m
}

// Ledger is the ordered chat log of one room. When max > 0 the oldest
// messages are dropped once the log grows past it.
type Ledger struct {
	max     int
	entries []*Message
	byID    map[string]*Message
}

func NewLedger(max int) *Ledger {
	return &Ledger{max: max, byID: make(map[string]*Message)}
}

// Append records a message received at nowMs. A client-supplied id is kept
// when it is not already in use.
func (l *Ledger) Append(senderID, username, text, clientID string, clientMs, nowMs int64) Message {
	id := clientID
	if _, taken := l.byID[id]; id == "" || taken {
		id = newMessageID(nowMs)
		for l.byID[id] != nil {
			id = newMessageID(nowMs)
		}
	}
	m := &Message{
		ID:          id,
		SenderID:    senderID,
		Username:    username,
		Text:        text,
		Time:        nowMs,
		ClientTime:  clientMs,
		DeliveredBy: []string{},
		SeenBy:      []string{},
	}
	l.entries = append(l.entries, m)
	l.byID[id] = m
	if l.max > 0 && len(l.entries) > l.max {
		drop := len(l.entries) - l.max
		for _, old := range l.entries[:drop] {
			delete(l.byID, old.ID)
		}
		l.entries = slices.Clone(l.entries[drop:])
	}
	return m.clone()
}

// AckDelivered records that connID received the message. It reports true
// exactly once per message: the first time deliveredBy reaches liveMembers.
func (l *Ledger) AckDelivered(connID, messageID string, liveMembers int) (bool, error) {
	m, ok := l.byID[messageID]
	if !ok {
		return false, ErrUnknownMessage
	}
	if !slices.Contains(m.DeliveredBy, connID) {
		m.DeliveredBy = append(m.DeliveredBy, connID)
	}
	if m.Delivered || liveMembers <= 0 || len(m.DeliveredBy) < liveMembers {
		return false, nil
	}
	m.Delivered = true
	return true, nil
}

// AckSeen records that connID viewed the message. added is false for repeats.
func (l *Ledger) AckSeen(connID, messageID string) (seenBy []string, added bool, err error) {
	m, ok := l.byID[messageID]
	if !ok {
		return nil, false, ErrUnknownMessage
	}
	if !slices.Contains(m.SeenBy, connID) {
		m.SeenBy = append(m.SeenBy, connID)
		added = true
	}
	return slices.Clone(m.SeenBy), added, nil
}

func (l *Ledger) Get(messageID string) (Message, bool) {
	m, ok := l.byID[messageID]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// History returns copies of every retained message, oldest first.
func (l *Ledger) History() []Message {
	out := make([]Message, 0, len(l.entries))
	for _, m := range l.entries {
		out = append(out, m.clone())
	}
	return out
}

func (l *Ledger) Len() int { return len(l.entries) }
