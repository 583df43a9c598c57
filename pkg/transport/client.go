package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/reference"
	"github.com/aminofox/zenplay/pkg/types"
)

// Options configures a Client
type Options struct {
	// RequestTimeout bounds a single remote operation
	RequestTimeout time.Duration

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Client is the core side of a remote session. It exposes the remote media
// pipeline and playback observer through the core's interfaces.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  logger.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Message
	closed  bool
	done    chan struct{}

	pipeline     *remotePipeline
	observer     *remoteObserver
	observations chan types.Observation
}

// Dial connects to a worker
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransportError, "failed to connect to worker", err)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	c := &Client{
		conn:    conn,
		timeout: opts.RequestTimeout,
		logger:  logger.OrDefault(opts.Logger).With(logger.Component("transport-client")),
		metrics: opts.Metrics,
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),

		observations: make(chan types.Observation, 64),
	}
	c.pipeline = &remotePipeline{client: c}
	c.observer = &remoteObserver{client: c, observations: reference.NewRef(types.Observation{})}

	go c.readLoop()
	go c.observationLoop()
	return c, nil
}

// Pipeline returns the remote media pipeline
func (c *Client) Pipeline() types.MediaPipeline {
	return c.pipeline
}

// Observer returns the remote playback observer
func (c *Client) Observer() types.PlaybackObserver {
	return c.observer
}

// Done is closed once the connection is lost or closed
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	if err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		c.logger.Debug("Failed to send close frame", logger.Err(err))
	}
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.shutdown()
	return err
}

// call sends a request and decodes its response into out
func (c *Client) call(ctx context.Context, msgType string, payload interface{}, out interface{}) error {
	id := uuid.NewString()
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeTransportError, "connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(&Message{Type: msgType, ID: id, Data: mustMarshal(payload)}); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.toError()
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return errors.Wrap(errors.ErrCodeTransportError, "invalid response", err)
			}
		}
		return nil
	case <-ctx.Done():
		return errors.NewCanceledError(ctx.Err())
	case <-timer.C:
		return errors.New(errors.ErrCodeTimeout, "remote "+msgType+" timed out")
	case <-c.done:
		return errors.New(errors.ErrCodeTransportError, "connection closed")
	}
}

// notify sends a message without waiting for an answer
func (c *Client) notify(msgType string, payload interface{}) {
	if err := c.write(&Message{Type: msgType, Data: mustMarshal(payload)}); err != nil {
		c.logger.Warn("Failed to send notification", logger.String("type", msgType), logger.Err(err))
	}
}

func (c *Client) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTransportError, "failed to encode message", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		c.logger.Debug("Failed to set write deadline", logger.Err(err))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(errors.ErrCodeTransportError, "failed to send message", err)
	}
	c.metrics.IncTransportMessages("out", msg.Type)
	return nil
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Worker connection lost", logger.Err(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Invalid message from worker", logger.Err(err))
			continue
		}
		c.metrics.IncTransportMessages("in", msg.Type)

		switch msg.Type {
		case MsgResponse, MsgError:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
		case MsgObservation:
			var obs types.Observation
			if err := json.Unmarshal(msg.Data, &obs); err != nil {
				c.logger.Warn("Invalid observation", logger.Err(err))
				continue
			}
			select {
			case c.observations <- obs:
			case <-c.done:
				return
			}
		case MsgPing:
			c.write(&Message{Type: MsgPong})
		}
	}
}

// observationLoop delivers observations away from the read loop, so that
// listeners may issue remote calls.
func (c *Client) observationLoop() {
	for {
		select {
		case obs := <-c.observations:
			c.observer.push(obs)
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// remotePipeline implements types.MediaPipeline over the connection
type remotePipeline struct {
	client *Client
}

func (p *remotePipeline) AddBuffer(trackType types.TrackType, codec string) (types.MediaBuffer, error) {
	var res AddBufferResult
	err := p.client.call(context.Background(), MsgAddBuffer, AddBufferData{TrackType: trackType, Codec: codec}, &res)
	if err != nil {
		return nil, err
	}
	return &remoteBuffer{client: p.client, id: res.BufferID}, nil
}

func (p *remotePipeline) IsTypeSupported(mimeWithCodec string) bool {
	var res TypeSupportResult
	if err := p.client.call(context.Background(), MsgIsTypeSupported, TypeSupportData{MimeType: mimeWithCodec}, &res); err != nil {
		p.client.logger.Warn("Remote type support check failed", logger.Err(err))
		return false
	}
	return res.Supported
}

func (p *remotePipeline) SetDuration(duration float64) error {
	return p.client.call(context.Background(), MsgSetDuration, ValueData{Value: duration}, nil)
}

func (p *remotePipeline) EndOfStream() error {
	return p.client.call(context.Background(), MsgEndOfStream, nil, nil)
}

func (p *remotePipeline) Reset() error {
	return p.client.call(context.Background(), MsgReset, nil, nil)
}

// remoteBuffer implements types.MediaBuffer. Buffered returns the ranges
// acknowledged by the last append or remove.
type remoteBuffer struct {
	client *Client
	id     string

	mu       sync.Mutex
	buffered []ranges.Range
}

func (b *remoteBuffer) Append(ctx context.Context, data []byte, params types.AppendParams) ([]ranges.Range, error) {
	var res BufferedResult
	if err := b.client.call(ctx, MsgAppend, AppendData{BufferID: b.id, Payload: data, Params: params}, &res); err != nil {
		return nil, err
	}
	b.setBuffered(res.Buffered)
	return res.Buffered, nil
}

func (b *remoteBuffer) Remove(ctx context.Context, start, end float64) ([]ranges.Range, error) {
	var res BufferedResult
	if err := b.client.call(ctx, MsgRemove, RemoveData{BufferID: b.id, Start: start, End: end}, &res); err != nil {
		return nil, err
	}
	b.setBuffered(res.Buffered)
	return res.Buffered, nil
}

func (b *remoteBuffer) Abort() error {
	return b.client.call(context.Background(), MsgAbort, BufferData{BufferID: b.id}, nil)
}

func (b *remoteBuffer) Dispose() error {
	return b.client.call(context.Background(), MsgDispose, BufferData{BufferID: b.id}, nil)
}

func (b *remoteBuffer) Buffered() []ranges.Range {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ranges.Clone(b.buffered)
}

func (b *remoteBuffer) setBuffered(rs []ranges.Range) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffered = ranges.Clone(rs)
}

// remoteObserver implements types.PlaybackObserver from pushed observations
type remoteObserver struct {
	client       *Client
	observations *reference.Ref[types.Observation]

	mu       sync.Mutex
	observed bool
	seekTo   *float64
}

func (o *remoteObserver) push(obs types.Observation) {
	o.mu.Lock()
	o.observed = true
	if o.seekTo != nil && !obs.Position.AwaitingFuturePosition && !obs.Seeking {
		o.seekTo = nil
	}
	o.mu.Unlock()
	o.observations.Set(obs)
}

func (o *remoteObserver) Listen(ctx context.Context, fn func(types.Observation), includeLast bool) {
	o.mu.Lock()
	observed := o.observed
	o.mu.Unlock()
	o.observations.OnUpdate(ctx, fn, includeLast && observed)
}

func (o *remoteObserver) LastObservation() (types.Observation, bool) {
	o.mu.Lock()
	observed := o.observed
	o.mu.Unlock()
	if !observed {
		return types.Observation{}, false
	}
	return o.observations.Get(), true
}

func (o *remoteObserver) SetCurrentTime(t float64) {
	o.mu.Lock()
	o.seekTo = &t
	o.mu.Unlock()
	o.client.notify(MsgSetCurrentTime, ValueData{Value: t})
}

func (o *remoteObserver) SetPlaybackRate(rate float64) {
	o.client.notify(MsgSetPlaybackRate, ValueData{Value: rate})
}

// GetCurrentTime returns the last requested seek until the worker reports
// it applied, the last observed position otherwise.
func (o *remoteObserver) GetCurrentTime() float64 {
	o.mu.Lock()
	seekTo := o.seekTo
	o.mu.Unlock()
	if seekTo != nil {
		return *seekTo
	}
	return o.observations.Get().Position.Polled
}

func (o *remoteObserver) GetIsPaused() bool {
	return o.observations.Get().Paused
}
