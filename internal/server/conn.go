package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voxstream/internal/config"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/protocol"
	"github.com/MrWong99/voxstream/internal/segmenter"
	"github.com/MrWong99/voxstream/internal/session"
	"github.com/MrWong99/voxstream/internal/synthq"
	"github.com/MrWong99/voxstream/internal/turn"
	"github.com/MrWong99/voxstream/pkg/audio"
	"github.com/MrWong99/voxstream/pkg/provider/vad"
	"github.com/MrWong99/voxstream/pkg/types"
)

const (
	// outboundBuffer is the capacity of the writer's queue.
	outboundBuffer = 64

	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 10 * time.Second
)

var errDraining = errors.New("server is draining")

// binaryInputFormat is the format of raw PCM sent as binary frames.
var binaryInputFormat = audio.Format{SampleRate: protocol.DefaultSampleRate, Channels: 1}

// handleWS upgrades the request and serves the connection until either side
// closes it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, errDraining)
		return
	}
	cfg := s.Config()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		s.deps.Logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if cfg.Server.ReadLimitBytes > 0 {
		ws.SetReadLimit(cfg.Server.ReadLimitBytes)
	}

	c, err := newConn(ws, cfg, s.deps)
	if err != nil {
		s.deps.Logger.Error("connection setup failed", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	unregister := s.sessions.Register(c)
	defer unregister()

	c.log.Info("connection opened", "remote", r.RemoteAddr)
	start := time.Now()
	if err := c.serve(r.Context()); err != nil {
		c.log.Warn("connection ended with error", "err", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
	c.log.Info("connection closed", "duration", time.Since(start))
}

// outbound is one queued WebSocket message.
type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// Conn is one duplex connection: its session, segmenter, synthesis queue and
// turn orchestrator. The orchestrator and the synthesis worker emit events
// through the Conn, which serializes them onto the socket.
type Conn struct {
	ws      *websocket.Conn
	log     *slog.Logger
	metrics *observe.Metrics

	sess *session.State

	// segMu guards seg, framer and deferredFlush. The reader and the
	// release loop both feed the orchestrator from the segmenter.
	segMu         sync.Mutex
	seg           *segmenter.Segmenter
	framer        *audio.Framer
	deferredFlush bool

	vadSess vad.SessionHandle
	queue   *synthq.Queue
	orch    *turn.Orchestrator
	limiter *rate.Limiter

	vadEngine  vad.Engine
	vadCfg     vad.Config
	format     audio.Format
	outputRate int

	out  chan outbound
	done <-chan struct{}

	// turnEnded is signalled after each Done event.
	turnEnded chan struct{}
}

// newConn builds the per-connection pipeline over ws.
func newConn(ws *websocket.Conn, cfg *config.Config, deps Deps) (*Conn, error) {
	id := uuid.NewString()
	log := deps.Logger.With("session_id", id)
	segCfg := cfg.Pipeline.Segmenter

	c := &Conn{
		ws:        ws,
		log:       log,
		metrics:   deps.Metrics,
		vadEngine: deps.VAD,
		vadCfg: vad.Config{
			SampleRate:       segCfg.SampleRate,
			FrameSamples:     segCfg.FrameSamples,
			SpeechThreshold:  segCfg.SpeechThreshold,
			SilenceThreshold: segCfg.SilenceThreshold,
		},
		format:     audio.Format{SampleRate: segCfg.SampleRate, Channels: 1},
		outputRate: cfg.Pipeline.OutputSampleRate,
		out:        make(chan outbound, outboundBuffer),
		turnEnded:  make(chan struct{}, 1),
	}
	c.framer = audio.NewFramer(c.format, segCfg.FrameSamples)
	c.sess = session.New(id, sessionDefaults(cfg, deps.TTS != nil),
		session.WithAllowedModels(cfg.Session.Models),
		session.WithAllowedVoices(cfg.Session.Voices),
	)

	var err error
	if c.vadSess, err = deps.VAD.NewSession(c.vadCfg); err != nil {
		return nil, fmt.Errorf("server: vad session: %w", err)
	}
	c.seg, err = segmenter.New(c.vadSess, segmenterConfig(segCfg),
		segmenter.WithTurnGate(c.sess.TurnInProgress),
		segmenter.WithClassifierErrorHandler(func(err error) {
			log.Debug("classifier error, treating frame as silence", "err", err)
		}),
	)
	if err != nil {
		_ = c.vadSess.Close()
		return nil, fmt.Errorf("server: %w", err)
	}

	td := turn.Deps{
		Session: c.sess,
		STT:     deps.STT,
		LLM:     deps.LLM,
		History: deps.History,
		Sink:    c,
		Metrics: deps.Metrics,
		Logger:  deps.Logger,
	}
	if deps.TTS != nil {
		c.queue, err = synthq.New(deps.TTS, turn.SynthesisSink(c, c.sess),
			synthq.WithDepth(cfg.Pipeline.QueueDepth),
			synthq.WithTimeout(cfg.Pipeline.SynthesizeTimeout),
			synthq.WithMetrics(deps.Metrics),
			synthq.WithLogger(log),
		)
		if err != nil {
			_ = c.vadSess.Close()
			return nil, fmt.Errorf("server: %w", err)
		}
		td.Synth = c.queue
	}
	if c.orch, err = turn.New(td, turnConfig(cfg)); err != nil {
		_ = c.vadSess.Close()
		return nil, fmt.Errorf("server: %w", err)
	}

	if rps := cfg.Server.MaxMessagesPerSecond; rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, cfg.Server.MessageBurst))
	}
	return c, nil
}

// ID returns the session id.
func (c *Conn) ID() string { return c.sess.ID() }

// Session returns the connection's session state.
func (c *Conn) Session() *session.State { return c.sess }

// Close sends a going-away close frame. The connection's goroutines stop once
// the close handshake completes.
func (c *Conn) Close(reason string) {
	if err := c.ws.Close(websocket.StatusGoingAway, reason); err != nil {
		c.log.Debug("close handshake failed", "err", err)
	}
}

// serve runs the reader, the writer and the synthesis worker until the
// socket closes or one of them fails.
func (c *Conn) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	c.done = gctx.Done()

	c.send(protocol.Connected(c.ID(), c.sess.Snapshot(), c.outputRate))

	g.Go(func() error { return c.writeLoop(gctx) })
	if c.queue != nil {
		g.Go(func() error {
			if err := c.queue.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error { return c.releaseLoop(gctx) })
	g.Go(func() error {
		defer cancel()
		return c.readLoop(gctx)
	})

	err := g.Wait()
	c.orch.Interrupt()
	c.orch.Wait()
	if c.queue != nil {
		c.queue.Stop()
	}
	if cerr := c.vadSess.Close(); cerr != nil {
		c.log.Debug("vad session close failed", "err", cerr)
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				return nil
			}
			return fmt.Errorf("server: read: %w", err)
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.reject(ctx, fmt.Errorf("%w: message rate limit exceeded", turn.ErrProtocol), "rate_limited")
			continue
		}
		if typ == websocket.MessageBinary {
			c.handleBinary(ctx, data)
			continue
		}
		c.handleMessage(ctx, data)
	}
}

// releaseLoop dispatches audio that was held back while a turn ran once that
// turn is done, so a client that sent it need not send more to be heard.
func (c *Conn) releaseLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.turnEnded:
			c.releaseDeferred(ctx)
		}
	}
}

func (c *Conn) releaseDeferred(ctx context.Context) {
	c.segMu.Lock()
	defer c.segMu.Unlock()
	if c.sess.TurnInProgress() {
		return
	}
	u, ok := c.seg.Release()
	if !ok && c.deferredFlush {
		u, ok = c.seg.Flush()
	}
	c.deferredFlush = false
	if !ok {
		return
	}
	c.metrics.RecordSegmenterEvent(ctx, segmenter.EventReady.String())
	c.log.Debug("releasing audio held during the previous turn")
	c.dispatch(ctx, u)
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, o.typ, o.data)
			cancel()
			if err != nil {
				if ctx.Err() != nil || isClosed(err) {
					return nil
				}
				return fmt.Errorf("server: write: %w", err)
			}
		}
	}
}

// isClosed reports whether err means the peer or the server closed the
// socket.
func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

func (c *Conn) handleMessage(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.reject(ctx, err, "invalid_message")
		return
	}

	switch m := msg.(type) {
	case protocol.Config:
		staged, err := c.sess.Apply(m.Patch())
		if err != nil {
			c.reject(ctx, fmt.Errorf("%w: %w", turn.ErrProtocol, err), "invalid_config")
			return
		}
		if staged {
			c.log.Debug("config staged until the turn ends")
		}
		c.send(protocol.ConfigAck(c.sess.Snapshot(), staged))
	case protocol.Audio:
		pcm, format, err := m.PCM()
		if err != nil {
			c.reject(ctx, err, "invalid_audio")
			return
		}
		c.feed(ctx, pcm, format, true)
	case protocol.VADCheck:
		pcm, format, err := m.PCM()
		if err != nil {
			c.reject(ctx, err, "invalid_audio")
			return
		}
		res, err := c.classify(pcm, format)
		if err != nil {
			c.reject(ctx, err, "vad_check")
			return
		}
		c.send(protocol.VADResult(res))
	case protocol.Text:
		if err := c.orch.HandleText(ctx, m.Message); err != nil {
			c.reject(ctx, err, "turn_rejected")
		}
	case protocol.Interrupt:
		if c.orch.Interrupt() {
			c.log.Debug("turn interrupted by client")
		}
	case protocol.Ping:
		c.send(protocol.Pong(m))
	}
}

// handleBinary feeds one frame-wise chunk of raw 16 kHz mono PCM.
func (c *Conn) handleBinary(ctx context.Context, data []byte) {
	if len(data)%2 != 0 {
		c.reject(ctx, fmt.Errorf("%w: binary audio is not whole 16-bit samples", turn.ErrProtocol), "invalid_audio")
		return
	}
	c.feed(ctx, data, binaryInputFormat, false)
}

// feed converts pcm to the classifier format and runs it through the
// segmenter. A batch ends with a flush so a whole utterance sent at once
// still yields a turn. A batch that arrives during a turn is flushed once the
// turn is done.
func (c *Conn) feed(ctx context.Context, pcm []byte, from audio.Format, batch bool) {
	pcm, err := c.toClassifierFormat(pcm, from)
	if err != nil {
		c.reject(ctx, err, "invalid_audio")
		return
	}
	c.segMu.Lock()
	defer c.segMu.Unlock()
	for _, frame := range c.framer.Push(pcm) {
		ev := c.seg.Process(frame)
		switch ev.Kind {
		case segmenter.EventReady:
			c.metrics.RecordSegmenterEvent(ctx, ev.Kind.String())
			c.dispatch(ctx, ev.Utterance)
		case segmenter.EventDrop:
			c.metrics.RecordSegmenterEvent(ctx, ev.Kind.String())
			c.log.Debug("utterance dropped as noise")
		}
	}
	if !batch {
		return
	}
	c.framer.Reset()
	if c.sess.TurnInProgress() {
		c.deferredFlush = true
		return
	}
	if u, ok := c.seg.Flush(); ok {
		c.metrics.RecordSegmenterEvent(ctx, segmenter.EventReady.String())
		c.dispatch(ctx, u)
	}
}

func (c *Conn) dispatch(ctx context.Context, u segmenter.Utterance) {
	c.log.Debug("utterance ready", "frames", len(u.Frames), "duration", u.Duration())
	if err := c.orch.HandleUtterance(ctx, u); err != nil {
		c.reject(ctx, err, "turn_rejected")
	}
}

// classify judges pcm with a fresh classifier session so the segmenter's
// state is left untouched. The result is speech if any frame is.
func (c *Conn) classify(pcm []byte, from audio.Format) (types.ClassifierResult, error) {
	pcm, err := c.toClassifierFormat(pcm, from)
	if err != nil {
		return types.ClassifierResult{}, err
	}
	sess, err := c.vadEngine.NewSession(c.vadCfg)
	if err != nil {
		return types.ClassifierResult{}, fmt.Errorf("server: vad session: %w", err)
	}
	defer sess.Close()

	fr := audio.NewFramer(c.format, c.vadCfg.FrameSamples)
	frames := fr.Push(pcm)
	if n := fr.Pending(); n > 0 {
		frames = append(frames, fr.Push(make([]byte, fr.FrameBytes()-n))...)
	}

	var out types.ClassifierResult
	for _, f := range frames {
		r, err := sess.ProcessFrame(f.Data)
		if err != nil {
			return types.ClassifierResult{}, fmt.Errorf("server: classify: %w", err)
		}
		out.IsSpeech = out.IsSpeech || r.IsSpeech
		out.Confidence = max(out.Confidence, r.Confidence)
	}
	return out, nil
}

func (c *Conn) toClassifierFormat(pcm []byte, from audio.Format) ([]byte, error) {
	if from == c.format {
		return pcm, nil
	}
	out, err := audio.Convert(pcm, from, c.format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", turn.ErrProtocol, err)
	}
	return out, nil
}

// Emit implements [turn.Sink]. Audio goes out as a binary frame unless the
// client asked for JSON. Events are dropped once the connection is done.
func (c *Conn) Emit(ev turn.Event) {
	if ev.Type == turn.EventAudio && c.sess.Snapshot().BinaryAudio {
		frame, err := protocol.EncodeAudioFrame(ev.TurnID, ev.Seq, ev.Audio)
		if err == nil {
			c.enqueue(outbound{typ: websocket.MessageBinary, data: frame})
			return
		}
		c.log.Warn("cannot encode audio frame, sending json", "err", err)
	}
	c.send(protocol.FromEvent(ev))
	if ev.Type == turn.EventDone {
		select {
		case c.turnEnded <- struct{}{}:
		default:
		}
	}
}

// reject reports a refused client message. The connection stays open.
func (c *Conn) reject(ctx context.Context, err error, reason string) {
	c.metrics.RecordProtocolError(ctx, reason)
	c.log.Debug("client message rejected", "reason", reason, "err", err)
	c.send(protocol.ErrorMessage(err, ""))
}

func (c *Conn) send(m protocol.Message) {
	b, err := json.Marshal(m)
	if err != nil {
		c.log.Error("cannot encode message", "type", m.Type, "err", err)
		return
	}
	c.enqueue(outbound{typ: websocket.MessageText, data: b})
}

func (c *Conn) enqueue(o outbound) {
	select {
	case c.out <- o:
	case <-c.done:
	}
}

// sessionDefaults derives the starting session of a connection from cfg.
func sessionDefaults(cfg *config.Config, ttsAvailable bool) session.Config {
	s := cfg.Session
	name := s.Voice.Name
	if name == "" {
		name = s.Voice.VoiceID
	}
	return session.Config{
		Model:  s.DefaultModel,
		Stream: config.Bool(s.Stream, true),
		TTS:    ttsAvailable && config.Bool(s.TTS, true),
		Voice: types.VoiceProfile{
			ID:          s.Voice.VoiceID,
			Name:        name,
			Provider:    s.Voice.Provider,
			SpeedFactor: s.Voice.SpeedFactor,
		},
		Language:    s.Language,
		UserID:      session.DefaultUserID,
		BinaryAudio: config.Bool(s.BinaryAudio, true),
	}
}

// segmenterConfig converts the configured thresholds into frame counts.
func segmenterConfig(s config.SegmenterConfig) segmenter.Config {
	frame := s.FrameDuration()
	return segmenter.Config{
		MinSpeechFrames:  s.MinSpeechFrames,
		MaxSilenceFrames: s.MaxSilenceFrames,
		MaxBufferFrames:  segmenter.Frames(seconds(s.MaxBufferSeconds), frame),
		TrailingFrames:   segmenter.Frames(seconds(s.TrailingWindowSeconds), frame),
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
