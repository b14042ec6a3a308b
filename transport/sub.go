package transport

import (
	"go.uber.org/zap"

	"wirebus/message"
)

// Subscription delivers inbound messages matching a rule. Delivery is
// best-effort: a full channel drops the message rather than stalling the
// receive loop for every other consumer on the connection.
type Subscription struct {
	conn *Connection
	rule message.MatchRule
	ch   chan *message.Message
	done chan struct{}
}

// C is the delivery channel. It is never closed; select on Done to
// observe cancellation.
func (s *Subscription) C() <-chan *message.Message { return s.ch }

// Done is closed when the subscription is cancelled or the connection
// closes.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel detaches the subscription from the connection.
func (s *Subscription) Cancel() {
	s.conn.subsMu.Lock()
	_, live := s.conn.subs[s]
	delete(s.conn.subs, s)
	s.conn.subsMu.Unlock()
	if live {
		close(s.done)
	}
}

// cancel is the connection-side teardown, called with subsMu held by the
// closing connection after the subscription set was already detached.
func (s *Subscription) cancel() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Subscribe registers interest in messages matching rule. buffer bounds
// how far a slow consumer may lag before messages are dropped.
func (c *Connection) Subscribe(rule message.MatchRule, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{
		conn: c,
		rule: rule,
		ch:   make(chan *message.Message, buffer),
		done: make(chan struct{}),
	}
	c.subsMu.Lock()
	select {
	case <-c.closed:
		c.subsMu.Unlock()
		close(sub.done)
		return sub
	default:
	}
	c.subs[sub] = struct{}{}
	c.subsMu.Unlock()
	return sub
}

// fanout offers m to every matching subscription without blocking.
func (c *Connection) fanout(m *message.Message) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for sub := range c.subs {
		if !sub.rule.Matches(m) {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			c.log.Debug("subscriber lagging, dropping message",
				zap.String("member", m.Member()))
		}
	}
}
