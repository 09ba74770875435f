package transport

import (
	"bytes"
	"context"
	"io"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Default buffer sizes for the browser websocket, sized generously for
// accessibility-tree payloads the way the teacher sizes its read buffer for
// large DOM messages.
var (
	DefaultReadBufferSize  = 25 * 1024 * 1024
	DefaultWriteBufferSize = 10 * 1024 * 1024
)

// wireConn wraps a gorilla/websocket.Conn and (de)serializes cdproto
// envelopes with easyjson, reusing the lexer/writer across calls the way
// the teacher's Conn does to avoid a per-message allocation.
type wireConn struct {
	*websocket.Conn

	buf    bytes.Buffer
	lexer  jlexer.Lexer
	writer jwriter.Writer

	debugf func(string, ...any)
}

// dialWS opens the websocket at urlstr.
func dialWS(ctx context.Context, urlstr string) (*wireConn, error) {
	d := &websocket.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
	conn, _, err := d.DialContext(ctx, urlstr, nil)
	if err != nil {
		return nil, err
	}
	return &wireConn{Conn: conn}, nil
}

func (c *wireConn) bufReadAll(r io.Reader) ([]byte, error) {
	c.buf.Reset()
	_, err := c.buf.ReadFrom(r)
	return c.buf.Bytes(), err
}

// readMsg reads and decodes the next CDP envelope.
func (c *wireConn) readMsg(msg *cdproto.Message) error {
	typ, r, err := c.NextReader()
	if err != nil {
		return err
	}
	if typ != websocket.TextMessage {
		return errInvalidWebsocketMessage
	}

	buf, err := c.bufReadAll(r)
	if err != nil {
		return err
	}
	if c.debugf != nil {
		c.debugf("<- %s", buf)
	}

	c.lexer = jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&c.lexer)
	if err := c.lexer.Error(); err != nil {
		return err
	}

	// bufReadAll reuses c.buf's backing array and msg.Result aliases into
	// it via easyjson.RawMessage, so copy before the buffer is reused.
	msg.Result = append([]byte{}, msg.Result...)
	return nil
}

// writeMsg encodes and writes a CDP envelope.
func (c *wireConn) writeMsg(msg *cdproto.Message) error {
	w, err := c.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	defer w.Close()

	c.writer = jwriter.Writer{}
	msg.MarshalEasyJSON(&c.writer)
	if err := c.writer.Error; err != nil {
		return err
	}

	if c.debugf != nil {
		buf, _ := c.writer.BuildBytes()
		c.debugf("-> %s", buf)
		_, err = w.Write(buf)
		return err
	}
	_, err = c.writer.DumpTo(w)
	return err
}

type wsError string

func (e wsError) Error() string { return string(e) }

const errInvalidWebsocketMessage = wsError("transport: invalid websocket message type")
