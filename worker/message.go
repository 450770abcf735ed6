package worker

import (
	"encoding/json"

	"github.com/teranos/buntime/errors"
)

// MessageType discriminates the frames exchanged with a worker process.
type MessageType string

const (
	// MessageReady is sent by the worker exactly once when it can accept
	// requests.
	MessageReady MessageType = "READY"

	// MessageRequest carries an HTTP request to the worker.
	MessageRequest MessageType = "REQUEST"

	// MessageResponse carries the worker's HTTP response.
	MessageResponse MessageType = "RESPONSE"

	// MessageError reports a request failure (with reqId) or a
	// process-level fault (without reqId).
	MessageError MessageType = "ERROR"

	// MessageIdle notifies the worker it has been idle; sent at most once
	// per idle period.
	MessageIdle MessageType = "IDLE"

	// MessageTerminate asks the worker to release resources before the
	// forced-kill grace period expires.
	MessageTerminate MessageType = "TERMINATE"
)

// Message is one NDJSON frame on the worker's stdio channel. Requests and
// responses carry a reqId for correlation; frames without a reqId that are
// not READY are ignored by request waiters.
type Message struct {
	Type  MessageType      `json:"type"`
	ReqID string           `json:"reqId,omitempty"`
	Req   *RequestPayload  `json:"req,omitempty"`
	Res   *ResponsePayload `json:"res,omitempty"`
	Error string           `json:"error,omitempty"`
	Stack string           `json:"stack,omitempty"`
}

// RequestPayload is the HTTP request image handed to the worker. Body
// travels base64-encoded (encoding/json []byte convention).
type RequestPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// ResponsePayload is the worker's HTTP response image.
type ResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// EncodeMessage renders a message as a single NDJSON line including the
// trailing newline.
func EncodeMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal worker message")
	}
	return append(data, '\n'), nil
}

// DecodeMessage parses one NDJSON line into a message. Unknown fields are
// tolerated; unknown types are surfaced for the caller to log and ignore.
func DecodeMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, errors.Wrap(err, "malformed worker message")
	}
	if msg.Type == "" {
		return nil, errors.New("worker message missing type")
	}
	return &msg, nil
}
