package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/types"
)

// Session is the media side of one connection
type Session struct {
	Pipeline types.MediaPipeline
	Observer types.PlaybackObserver

	// Close is called when the connection ends, if set
	Close func()
}

// SessionFactory creates the media side of a new connection
type SessionFactory func(ctx context.Context) (*Session, error)

// Server hosts media sessions behind a websocket endpoint
type Server struct {
	factory  SessionFactory
	upgrader websocket.Upgrader
	logger   logger.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewServer creates a new server
func NewServer(factory SessionFactory, log logger.Logger, m *metrics.Metrics) *Server {
	return &Server{
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger.OrDefault(log).With(logger.Component("transport-server")),
		metrics: m,
		clients: make(map[string]*wsClient),
	}
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP handles websocket connection requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", logger.Err(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session, err := s.factory(ctx)
	if err != nil {
		cancel()
		s.logger.Error("Failed to create session", logger.Err(err))
		if err := conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable")); err != nil {
			s.logger.Debug("Failed to send close frame", logger.Err(err))
		}
		conn.Close()
		return
	}

	client := &wsClient{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, 256),
		server:  s,
		session: session,
		buffers: make(map[string]types.MediaBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	s.logger.Info("Transport client connected", logger.String("client_id", client.id))

	if session.Observer != nil {
		session.Observer.Listen(ctx, func(obs types.Observation) {
			client.sendMessage(&Message{Type: MsgObservation, Data: mustMarshal(obs)})
		}, true)
	}

	go client.writePump()
	go client.readPump()
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	c.cancel()
	if c.session.Close != nil {
		c.session.Close()
	}
	s.logger.Info("Transport client disconnected", logger.String("client_id", c.id))
}

// wsClient represents one connected core
type wsClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	server  *Server
	session *Session
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	buffers map[string]types.MediaBuffer
}

// readPump reads and handles messages in order
func (c *wsClient) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket error", logger.Err(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", errors.New(errors.ErrCodeTransportError, "invalid message format"))
			continue
		}
		c.server.metrics.IncTransportMessages("in", msg.Type)
		c.handleMessage(&msg)
	}
}

// writePump writes queued messages and keeps the connection alive
func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsClient) handleMessage(msg *Message) {
	p := c.session.Pipeline

	switch msg.Type {
	case MsgAddBuffer:
		var data AddBufferData
		if !c.decode(msg, &data) {
			return
		}
		buf, err := p.AddBuffer(data.TrackType, data.Codec)
		if err != nil {
			c.sendError(msg.ID, err)
			return
		}
		id := uuid.NewString()
		c.mu.Lock()
		c.buffers[id] = buf
		c.mu.Unlock()
		c.respond(msg.ID, AddBufferResult{BufferID: id})

	case MsgAppend:
		var data AppendData
		if !c.decode(msg, &data) {
			return
		}
		buf, ok := c.buffer(msg.ID, data.BufferID)
		if !ok {
			return
		}
		buffered, err := buf.Append(c.ctx, data.Payload, data.Params)
		c.reply(msg.ID, BufferedResult{Buffered: buffered}, err)

	case MsgRemove:
		var data RemoveData
		if !c.decode(msg, &data) {
			return
		}
		buf, ok := c.buffer(msg.ID, data.BufferID)
		if !ok {
			return
		}
		buffered, err := buf.Remove(c.ctx, data.Start, data.End)
		c.reply(msg.ID, BufferedResult{Buffered: buffered}, err)

	case MsgAbort:
		var data BufferData
		if !c.decode(msg, &data) {
			return
		}
		if buf, ok := c.buffer(msg.ID, data.BufferID); ok {
			c.reply(msg.ID, nil, buf.Abort())
		}

	case MsgDispose:
		var data BufferData
		if !c.decode(msg, &data) {
			return
		}
		if buf, ok := c.buffer(msg.ID, data.BufferID); ok {
			c.mu.Lock()
			delete(c.buffers, data.BufferID)
			c.mu.Unlock()
			c.reply(msg.ID, nil, buf.Dispose())
		}

	case MsgIsTypeSupported:
		var data TypeSupportData
		if !c.decode(msg, &data) {
			return
		}
		c.respond(msg.ID, TypeSupportResult{Supported: p.IsTypeSupported(data.MimeType)})

	case MsgSetDuration:
		var data ValueData
		if !c.decode(msg, &data) {
			return
		}
		c.reply(msg.ID, nil, p.SetDuration(data.Value))

	case MsgEndOfStream:
		c.reply(msg.ID, nil, p.EndOfStream())

	case MsgReset:
		c.mu.Lock()
		c.buffers = make(map[string]types.MediaBuffer)
		c.mu.Unlock()
		c.reply(msg.ID, nil, p.Reset())

	case MsgSetCurrentTime:
		var data ValueData
		if c.decode(msg, &data) && c.session.Observer != nil {
			c.session.Observer.SetCurrentTime(data.Value)
		}

	case MsgSetPlaybackRate:
		var data ValueData
		if c.decode(msg, &data) && c.session.Observer != nil {
			c.session.Observer.SetPlaybackRate(data.Value)
		}

	case MsgPing:
		c.sendMessage(&Message{Type: MsgPong, ID: msg.ID})

	default:
		c.sendError(msg.ID, errors.New(errors.ErrCodeTransportError, "unknown message type: "+msg.Type))
	}
}

func (c *wsClient) decode(msg *Message, out interface{}) bool {
	if err := json.Unmarshal(msg.Data, out); err != nil {
		c.sendError(msg.ID, errors.Wrap(errors.ErrCodeTransportError, "invalid "+msg.Type+" data", err))
		return false
	}
	return true
}

func (c *wsClient) buffer(msgID, bufferID string) (types.MediaBuffer, bool) {
	c.mu.Lock()
	buf, ok := c.buffers[bufferID]
	c.mu.Unlock()
	if !ok {
		c.sendError(msgID, errors.New(errors.ErrCodeSinkDisposed, "unknown buffer "+bufferID))
	}
	return buf, ok
}

func (c *wsClient) reply(id string, result interface{}, err error) {
	if err != nil {
		c.sendError(id, err)
		return
	}
	c.respond(id, result)
}

func (c *wsClient) respond(id string, result interface{}) {
	msg := &Message{Type: MsgResponse, ID: id}
	if result != nil {
		msg.Data = mustMarshal(result)
	}
	c.sendMessage(msg)
}

func (c *wsClient) sendError(id string, err error) {
	c.sendMessage(&Message{Type: MsgError, ID: id, Error: toErrorData(err)})
}

// sendMessage queues a message, dropping it when the connection is gone
func (c *wsClient) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to encode message", logger.Err(err))
		return
	}
	select {
	case c.send <- data:
		c.server.metrics.IncTransportMessages("out", msg.Type)
	case <-c.ctx.Done():
	}
}
