// Package wire implements the framed multiplex protocol: every message on a
// connection is one self-delimited JSON object carrying a client-chosen
// ticket. Request frames add cmd + args; response frames add code and either
// success fields or msg.
package wire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	MaxFrameSizeCentral = 32 << 20
	MaxFrameSizeDaemon  = 16 << 20
)

// Frame is the wire envelope. Args/Fields is the free-form payload: requests
// populate Cmd and leave Code nil; responses populate Code and leave Cmd
// empty.
type Frame struct {
	Ticket string          `json:"ticket"`
	Cmd    string          `json:"cmd,omitempty"`
	Code   *int            `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Fields json.RawMessage `json:"-"`
}

// rawFrame is the shape actually marshaled: Fields' keys are flattened into
// the top-level object rather than nested, matching the "…args"/"…fields"
// spread the spec describes.
type rawFrame map[string]json.RawMessage

// MarshalJSON flattens Fields alongside the envelope keys.
func (f Frame) MarshalJSON() ([]byte, error) {
	out := rawFrame{}
	if len(f.Fields) > 0 {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(f.Fields, &m); err != nil {
			return nil, fmt.Errorf("wire: fields must be a JSON object: %w", err)
		}
		for k, v := range m {
			out[k] = v
		}
	}
	tb, _ := json.Marshal(f.Ticket)
	out["ticket"] = tb
	if f.Cmd != "" {
		cb, _ := json.Marshal(f.Cmd)
		out["cmd"] = cb
	}
	if f.Code != nil {
		cb, _ := json.Marshal(*f.Code)
		out["code"] = cb
	}
	if f.Msg != "" {
		mb, _ := json.Marshal(f.Msg)
		out["msg"] = mb
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the envelope keys out and keeps the remainder, plus
// ticket (cmd, code and msg are removed), in Fields.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if tb, ok := m["ticket"]; ok {
		json.Unmarshal(tb, &f.Ticket)
	}
	if cb, ok := m["cmd"]; ok {
		json.Unmarshal(cb, &f.Cmd)
	}
	if cb, ok := m["code"]; ok {
		var c int
		if err := json.Unmarshal(cb, &c); err == nil {
			f.Code = &c
		}
	}
	if mb, ok := m["msg"]; ok {
		json.Unmarshal(mb, &f.Msg)
	}
	delete(m, "cmd")
	delete(m, "code")
	delete(m, "msg")
	// ticket stays so Fields round-trips all payload keys including ticket
	// for callers that decode Fields directly.
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f.Fields = b
	return nil
}

// Decode unmarshals Fields into v.
func (f Frame) Decode(v any) error {
	if len(f.Fields) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(f.Fields, v)
}

// FieldsOf marshals v (must marshal to a JSON object) into a Frame's Fields.
func FieldsOf(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wire: fields value must marshal cleanly: %v", err))
	}
	return b
}

// Conn is a single framed connection: every Read/Write moves exactly one
// Frame, matching wsjson's one-message-per-call semantics over coder's
// websocket.Conn.
type Conn struct {
	ws          *websocket.Conn
	maxReadSize int64
}

func NewConn(ws *websocket.Conn, maxReadSize int64) *Conn {
	ws.SetReadLimit(maxReadSize)
	return &Conn{ws: ws, maxReadSize: maxReadSize}
}

func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	var f Frame
	if err := wsjson.Read(ctx, c.ws, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (c *Conn) WriteFrame(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, c.ws, f)
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// Success builds a {ticket, code:0, …fields} response frame.
func Success(ticket string, fields any) Frame {
	zero := 0
	return Frame{Ticket: ticket, Code: &zero, Fields: FieldsOf(fields)}
}

// Failure builds a {ticket, code, msg} response frame.
func Failure(ticket string, code int, msg string) Frame {
	c := code
	return Frame{Ticket: ticket, Code: &c, Msg: msg}
}

// Request builds a {ticket, cmd, …args} request frame.
func Request(ticket, cmd string, args any) Frame {
	return Frame{Ticket: ticket, Cmd: cmd, Fields: FieldsOf(args)}
}

// IsResponse reports whether f carries a code, i.e. is a reply rather than
// a fresh command.
func (f Frame) IsResponse() bool {
	return f.Code != nil
}
