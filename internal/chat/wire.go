package chat

import "encoding/json"

// OutboundFrame is the shape serialized onto a live channel.
type OutboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Typing  *bool  `json:"typing,omitempty"`
}

// statusFrame is the inbound read/delivery receipt shape. Either flag may be
// present without the other.
type statusFrame struct {
	Type        string `json:"type"`
	MessageID   int64  `json:"message_id"`
	IsRead      *bool  `json:"is_read"`
	IsDelivered *bool  `json:"is_delivered"`
}

// messagePage handles both response shapes the messages endpoint produces:
// an object carrying a server-side total, or a bare array.
type messagePage struct {
	Messages []*Message `json:"messages"`
	Total    int        `json:"total"`
}

// decodeMessagePage extracts a newest-first message page and the
// server-reported total (0 when the server sent a bare array).
func decodeMessagePage(raw json.RawMessage) ([]*Message, int, error) {
	var page messagePage
	if err := json.Unmarshal(raw, &page); err == nil && page.Messages != nil {
		return page.Messages, page.Total, nil
	}
	var msgs []*Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, 0, err
	}
	return msgs, 0, nil
}

// reverseMessages flips a newest-first server page into the oldest-first
// order the window holds.
func reverseMessages(msgs []*Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
