// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrStreamInvalidResp = errors.New("funcserver: stream: invalid response")
	ErrFrameTooLarge     = errors.New("funcserver: stream: frame too large")
)

// MessageType identifies stream frame types.
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
)

// maxFrame bounds a single stream frame.
const maxFrame = 64 * 1024 * 1024

// Request frame:  [4 len][1 type][4 reqID][2 fmtLen][format][body]
// Response frame: [4 len][1 type][4 reqID][body or error text]

// StreamConn is the client side of a framed TCP connection. Calls are
// multiplexed by request id; responses may arrive in any order.
type StreamConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // requestID -> chan streamReply
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
}

type streamReply struct {
	data []byte
	err  error
}

// DialStream connects to a stream server.
func DialStream(ctx context.Context, addr string) (*StreamConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	sc := &StreamConn{
		conn:     conn,
		readDone: make(chan struct{}),
	}
	go sc.readLoop()
	return sc, nil
}

// RoundTrip sends one encoded request body in the named format and waits for the
// encoded reply.
func (s *StreamConn) RoundTrip(ctx context.Context, format string, body []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(format) > 0xffff {
		return nil, fmt.Errorf("stream: format name too long")
	}

	requestID := s.nextID.Add(1)
	replyCh := make(chan streamReply, 1)
	s.pending.Store(requestID, replyCh)
	defer s.pending.Delete(requestID)

	msgLen := 1 + 4 + 2 + len(format) + len(body)
	if msgLen > maxFrame {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(MsgRequest)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(format)))
	copy(buf[11:], format)
	copy(buf[11+len(format):], body)

	s.writeMu.Lock()
	_, err := s.conn.Write(buf)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("stream write: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-replyCh:
		return reply.data, reply.err
	case <-s.readDone:
		return nil, ErrClosed
	}
}

func (s *StreamConn) readLoop() {
	defer close(s.readDone)
	for {
		msg, err := readFrame(s.conn)
		if err != nil {
			return
		}
		if len(msg) < 5 {
			continue
		}
		requestID := binary.BigEndian.Uint32(msg[1:5])
		ch, ok := s.pending.Load(requestID)
		if !ok {
			continue
		}
		replyCh := ch.(chan streamReply)
		switch MessageType(msg[0]) {
		case MsgResponse:
			replyCh <- streamReply{data: msg[5:]}
		case MsgError:
			replyCh <- streamReply{err: fmt.Errorf("%w: %s", ErrMalformedPayload, msg[5:])}
		default:
			replyCh <- streamReply{err: ErrStreamInvalidResp}
		}
	}
}

// Close closes the connection.
func (s *StreamConn) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(header[:])
	if msgLen == 0 || msgLen > maxFrame {
		return nil, ErrFrameTooLarge
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// StreamHandler handles one decoded stream request.
type StreamHandler interface {
	HandleStream(ctx context.Context, format string, body []byte) ([]byte, error)
}

// StreamHandlerFunc is a function adapter for StreamHandler.
type StreamHandlerFunc func(ctx context.Context, format string, body []byte) ([]byte, error)

func (f StreamHandlerFunc) HandleStream(ctx context.Context, format string, body []byte) ([]byte, error) {
	return f(ctx, format, body)
}

// HandleStream lets an Engine serve stream connections directly.
func (e *Engine) HandleStream(ctx context.Context, format string, body []byte) ([]byte, error) {
	resp, err := e.Dispatch(ctx, format, body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// StreamServer accepts framed TCP connections. Each request is handled on its
// own goroutine so a slow call never blocks the connection's read loop.
type StreamServer struct {
	listener net.Listener
	handler  StreamHandler
	log      zerolog.Logger
	conns    sync.Map
	closed   atomic.Bool
}

// NewStreamServer creates a stream server on an existing listener.
func NewStreamServer(listener net.Listener, handler StreamHandler, log zerolog.Logger) *StreamServer {
	return &StreamServer{
		listener: listener,
		handler:  handler,
		log:      log,
	}
}

// Serve accepts connections until Close is called.
func (s *StreamServer) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("stream accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *StreamServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)

	var writeMu sync.Mutex
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		msg, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("stream read ended")
			}
			return
		}
		if len(msg) < 7 || MessageType(msg[0]) != MsgRequest {
			continue
		}
		requestID := binary.BigEndian.Uint32(msg[1:5])
		fmtLen := int(binary.BigEndian.Uint16(msg[5:7]))
		if len(msg) < 7+fmtLen {
			continue
		}
		format := string(msg[7 : 7+fmtLen])
		body := msg[7+fmtLen:]

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			data, err := s.handler.HandleStream(ctx, format, body)
			writeMu.Lock()
			defer writeMu.Unlock()
			s.sendResponse(conn, requestID, data, err)
		}()
	}
}

func (s *StreamServer) sendResponse(conn net.Conn, requestID uint32, data []byte, err error) {
	msgType := MsgResponse
	payload := data
	if err != nil {
		msgType = MsgError
		payload = []byte(err.Error())
	}

	msgLen := 1 + 4 + len(payload)
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(msgType)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	copy(buf[9:], payload)

	_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := conn.Write(buf); err != nil {
		s.log.Debug().Err(err).Msg("stream write failed")
	}
}

// Close stops accepting and closes open connections.
func (s *StreamServer) Close() error {
	s.closed.Store(true)
	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address.
func (s *StreamServer) Addr() string {
	return s.listener.Addr().String()
}
