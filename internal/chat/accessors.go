package chat

// Read-only projections over the store's canonical state, computed on demand.
// Presentation layers read through these and subscribe to the bus; they never
// mutate entities directly.

// Conversations returns a snapshot of the conversation list.
func (s *Store) Conversations() []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conversation(nil), s.conversations...)
}

// Conversation returns the conversation with the given id, or nil.
func (s *Store) Conversation(id int64) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(id)
}

// Messages returns a snapshot of the active conversation's window,
// oldest first.
func (s *Store) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.window...)
}

// ActiveConversation returns the id of the currently active conversation,
// or 0 when none is active.
func (s *Store) ActiveConversation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// HasMoreMessages reports whether older messages remain on the server.
func (s *Store) HasMoreMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentOffset < s.totalMessages
}
