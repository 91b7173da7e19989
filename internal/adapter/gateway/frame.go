package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"opencami/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Frame is one of *Request, *Response or *Event.
type Frame interface {
	FrameType() FrameType
}

// Request is a client-to-gateway call.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response answers exactly one prior Request with the same ID.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// Event is an unsolicited gateway notification.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

func (*Request) FrameType() FrameType  { return FrameTypeRequest }
func (*Response) FrameType() FrameType { return FrameTypeResponse }
func (*Event) FrameType() FrameType    { return FrameTypeEvent }

// ErrorShape is the error body of a rejected Response.
type ErrorShape struct {
	Code    ErrorCode       `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ErrorCode accepts either a JSON string or a JSON number on the wire.
type ErrorCode string

func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ErrorCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	*c = ErrorCode(n.String())
	return nil
}

// remoteError converts a rejected response into a domain.RemoteError of the given kind.
func (r *Response) remoteError(kind error) *domain.RemoteError {
	re := &domain.RemoteError{Kind: kind, Message: domain.DefaultRemoteMessage}
	if r.Error == nil {
		return re
	}
	re.Code = string(r.Error.Code)
	if r.Error.Message != "" {
		re.Message = r.Error.Message
	}
	if len(r.Error.Details) > 0 {
		re.Details = []byte(r.Error.Details)
	}
	return re
}

// EncodeFrame serializes a frame with its type discriminator.
func EncodeFrame(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *Request:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			*Request
		}{FrameTypeRequest, v})
	case *Response:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			*Response
		}{FrameTypeResponse, v})
	case *Event:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			*Event
		}{FrameTypeEvent, v})
	default:
		return nil, fmt.Errorf("encode frame: unsupported %T", f)
	}
}

// DecodeFrame parses wire text into a frame. Unknown discriminants and shapes that
// do not fit their variant are reported as domain.ErrFrameParse.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, parseError(err.Error())
	}

	switch head.Type {
	case FrameTypeRequest:
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params,omitempty"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, parseError(err.Error())
		}
		if req.ID == "" || req.Method == "" {
			return nil, parseError("request without id or method")
		}
		out := &Request{ID: req.ID, Method: req.Method}
		if len(req.Params) > 0 {
			out.Params = req.Params
		}
		return out, nil
	case FrameTypeResponse:
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, parseError(err.Error())
		}
		if res.ID == "" {
			return nil, parseError("response without id")
		}
		return &res, nil
	case FrameTypeEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, parseError(err.Error())
		}
		if ev.Event == "" {
			return nil, parseError("event without name")
		}
		return &ev, nil
	case "":
		return nil, parseError("missing frame type")
	default:
		return nil, parseError("unknown frame type " + strconv.Quote(string(head.Type)))
	}
}

func parseError(detail string) error {
	return domain.NewDomainError("Gateway.DecodeFrame", domain.ErrFrameParse, detail)
}
