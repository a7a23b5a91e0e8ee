package loopback

import "sync"

// mailbox is an unbounded FIFO of messages from one rank to another.
type mailbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	messages [][]byte
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// post never blocks.
func (m *mailbox) post(message []byte) {
	m.mu.Lock()
	m.messages = append(m.messages, message)
	m.mu.Unlock()
	m.cond.Signal()
}

// take blocks until there is a message.
func (m *mailbox) take() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.messages) == 0 {
		m.cond.Wait()
	}
	message := m.messages[0]
	m.messages[0] = nil
	m.messages = m.messages[1:]
	return message
}

// pending returns the number of messages not yet taken.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
