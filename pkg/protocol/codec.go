package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidFrame is returned for input that is not a well-formed frame.
var ErrInvalidFrame = errors.New("invalid frame")

// MessageType is the kind of a raw frame.
type MessageType int

const (
	MessageUnknown MessageType = iota
	MessageRequest
	MessageResponse
	MessageEvent
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return FrameTypeRequest
	case MessageResponse:
		return FrameTypeResponse
	case MessageEvent:
		return FrameTypeEvent
	}
	return "unknown"
}

// ParseFrameType reads only the "type" field of raw.
func ParseFrameType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return head.Type, nil
}

// DetectMessageType classifies raw without decoding the body. It never fails;
// anything unrecognized is MessageUnknown.
func DetectMessageType(raw []byte) MessageType {
	t, err := ParseFrameType(raw)
	if err != nil {
		return MessageUnknown
	}
	switch t {
	case FrameTypeRequest:
		return MessageRequest
	case FrameTypeResponse:
		return MessageResponse
	case FrameTypeEvent:
		return MessageEvent
	}
	return MessageUnknown
}

// ParseMessage decodes raw into a Frame.
func ParseMessage(raw []byte) (Frame, error) {
	switch DetectMessageType(raw) {
	case MessageRequest:
		var req RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			return Frame{}, fmt.Errorf("%w: request: %v", ErrInvalidFrame, err)
		}
		return Frame{Type: MessageRequest, Request: &req}, nil
	case MessageResponse:
		var res ResponseFrame
		if err := json.Unmarshal(raw, &res); err != nil {
			return Frame{}, fmt.Errorf("%w: response: %v", ErrInvalidFrame, err)
		}
		return Frame{Type: MessageResponse, Response: &res}, nil
	case MessageEvent:
		var evt EventFrame
		if err := json.Unmarshal(raw, &evt); err != nil {
			return Frame{}, fmt.Errorf("%w: event: %v", ErrInvalidFrame, err)
		}
		return Frame{Type: MessageEvent, Event: &evt}, nil
	}
	return Frame{}, fmt.Errorf("%w: unknown frame type", ErrInvalidFrame)
}

// ValidateRequest checks the request envelope.
func ValidateRequest(req *RequestFrame) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: nil request", ErrInvalidFrame)
	case req.ID == "":
		return fmt.Errorf("%w: request id is required", ErrInvalidFrame)
	case req.Method == "":
		return fmt.Errorf("%w: request method is required", ErrInvalidFrame)
	}
	return nil
}

// ValidateResponse checks the response envelope. A failed response must
// carry an error.
func ValidateResponse(res *ResponseFrame) error {
	switch {
	case res == nil:
		return fmt.Errorf("%w: nil response", ErrInvalidFrame)
	case res.ID == "":
		return fmt.Errorf("%w: response id is required", ErrInvalidFrame)
	case !res.OK && res.Error == nil:
		return fmt.Errorf("%w: error response must have error details", ErrInvalidFrame)
	}
	return nil
}

// Encode serializes a frame (or Frame union) as single-line JSON.
func Encode(frame interface{}) ([]byte, error) {
	if f, ok := frame.(Frame); ok {
		switch {
		case f.Request != nil:
			frame = f.Request
		case f.Response != nil:
			frame = f.Response
		case f.Event != nil:
			frame = f.Event
		default:
			return nil, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
		}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return data, nil
}
