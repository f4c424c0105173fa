// Package protocol defines the control-plane wire format.
//
// Every WebSocket text message is one JSON frame:
//
//	{"type":"req","id":"1","method":"gateway.ping","params":{}}
//	{"type":"res","id":"1","ok":true,"payload":{"pong":1700000000000,"serverTime":1700000000000}}
//	{"type":"evt","event":"message.received","seq":42,"data":{...}}
//
// Requests and responses are correlated by id, not by arrival order.
// Events carry no id; seq increases monotonically per connection.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire protocol version advertised by the server.
const ProtocolVersion = "1.0.0"

// Frame type tags.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "evt"
)

// RequestFrame is a client (or server) request awaiting one response.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers the request with the same ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server push. Seq is stamped per connection at send time.
type EventFrame struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Seq   *uint64     `json:"seq,omitempty"`
	Data  interface{} `json:"data"`
}

// ErrorShape describes a failed request.
type ErrorShape struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *ErrorShape) Error() string { return e.Code + ": " + e.Message }

// Frame is a decoded frame; exactly one of the pointers is set.
type Frame struct {
	Type     MessageType
	Request  *RequestFrame
	Response *ResponseFrame
	Event    *EventFrame
}

// CorrelationID returns the id of a request or response, "" for events.
func (f Frame) CorrelationID() string {
	switch {
	case f.Request != nil:
		return f.Request.ID
	case f.Response != nil:
		return f.Response.ID
	}
	return ""
}

// NewRequest builds a request. An empty id gets a fresh UUID.
func NewRequest(id, method string, params interface{}) (*RequestFrame, error) {
	if id == "" {
		id = uuid.NewString()
	}
	req := &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}

// NewOKResponse builds a successful response.
func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewErrorResponseWithDetails builds a failed response with structured details.
func NewErrorResponseWithDetails(id, code, message string, details interface{}) *ResponseFrame {
	resp := NewErrorResponse(id, code, message)
	resp.Error.Details = details
	return resp
}

// NewEvent builds an unsequenced event.
func NewEvent(name string, data interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Data: data}
}

// WithSeq returns a copy of e stamped with seq.
func (e EventFrame) WithSeq(seq uint64) EventFrame {
	e.Seq = &seq
	return e
}
