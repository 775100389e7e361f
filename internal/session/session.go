// Package session serves the browser translation WebSocket. One connection is
// one session: binary frames carry microphone PCM, text frames carry JSON
// control messages, and the server answers with JSON events.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-translator/internal/audio"
	"github.com/lexiqai/voice-translator/internal/observability"
	"github.com/lexiqai/voice-translator/internal/pipeline"
	"github.com/lexiqai/voice-translator/internal/recorder"
	"github.com/lexiqai/voice-translator/internal/settings"
	"github.com/lexiqai/voice-translator/internal/vad"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	minSampleRate  = 8000
	maxSampleRate  = 48000
)

var (
	errNotStarted = errors.New("session not started: send a start message first")
	errStopped    = errors.New("session stopped by client")
)

// Config holds per-session defaults
type Config struct {
	TickInterval   time.Duration
	AnalyserWindow int
	Recorder       recorder.Config // SampleRate is used when start omits one
	Pipeline       pipeline.Config
	DrainTimeout   time.Duration // How long stop waits for pending translations
	SendBuffer     int
	Settings       vad.Settings // Used when no settings store is configured
}

// DefaultConfig returns the session defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:   vad.DefaultTickInterval,
		AnalyserWindow: audio.DefaultWindowSize,
		Recorder:       recorder.DefaultConfig(),
		Pipeline:       pipeline.DefaultConfig(),
		DrainTimeout:   30 * time.Second,
		SendBuffer:     256,
		Settings:       vad.DefaultSettings(),
	}
}

type outbound struct {
	data  []byte
	close bool
}

// Session is one browser connection
type Session struct {
	id      string
	conn    *websocket.Conn
	cfg     Config
	deps    pipeline.Deps
	store   *settings.Store
	logger  zerolog.Logger
	metrics *observability.Metrics

	runner     *vad.Runner
	analyser   *audio.Analyser
	calibrator *vad.Calibrator
	events     *vad.ChannelListener

	// settings of the running detector, read from listener callbacks
	current atomic.Pointer[vad.Settings]

	// owned by the read loop
	started    bool
	profile    string
	controller *recorder.Controller
	pipeline   *pipeline.Pipeline

	send        chan outbound
	done        chan struct{}
	doneOnce    sync.Once
	stopForward chan struct{}
	wg          sync.WaitGroup
}

func newSession(id string, conn *websocket.Conn, cfg Config, deps pipeline.Deps, store *settings.Store, logger zerolog.Logger) *Session {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	logger = observability.WithSession(logger, id)

	s := &Session{
		id:          id,
		conn:        conn,
		cfg:         cfg,
		deps:        deps,
		store:       store,
		logger:      logger,
		metrics:     observability.NewSessionMetrics(id),
		runner:      vad.NewRunner(cfg.TickInterval, vad.WithLogger(logger)),
		analyser:    audio.NewAnalyser(cfg.AnalyserWindow),
		calibrator:  vad.NewCalibrator(0, 0),
		events:      vad.NewChannelListener(64),
		profile:     settings.DefaultProfile,
		send:        make(chan outbound, cfg.SendBuffer),
		done:        make(chan struct{}),
		stopForward: make(chan struct{}),
	}
	initial := cfg.Settings
	s.current.Store(&initial)
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// run serves the connection until the client leaves or stops the session
func (s *Session) run() {
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("Translation session started")

	s.wg.Add(1)
	go s.writeLoop()

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		s.forwardEvents()
	}()

	err := s.readLoop()
	if errors.Is(err, errStopped) {
		// the writer flushes pending events and the close frame, then exits
		s.wg.Wait()
	}

	// done first so nothing blocks on a dead connection while the runner and
	// pipeline wind down
	s.shutdown()
	s.runner.Detach()
	close(s.stopForward)
	<-forwardDone
	if s.pipeline != nil {
		s.pipeline.Close()
	}
	s.wg.Wait()
	s.conn.Close()

	s.metrics.RecordDroppedEvents("volume", int(s.events.Dropped()))
	s.metrics.RecordSessionEnd()

	event := s.logger.Info()
	if err != nil && !errors.Is(err, errStopped) {
		event = event.Err(err)
	}
	event.Msg("Translation session ended")
}

func (s *Session) shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
}

// close asks the writer to flush pending events and send a close frame
func (s *Session) close() {
	select {
	case s.send <- outbound{close: true}:
	case <-s.done:
	}
}

func (s *Session) readLoop() error {
	s.conn.SetReadLimit(maxMessageSize)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
				return err
			}
			return nil
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudio(data)

		case websocket.TextMessage:
			msg, err := parseClientMessage(data)
			if err != nil {
				s.metrics.RecordError("protocol", "session")
				s.emitError("", fmt.Errorf("invalid control message: %w", err))
				continue
			}
			if err := s.handleControl(msg); err != nil {
				if errors.Is(err, errStopped) {
					return err
				}
				s.metrics.RecordError("control", "session")
				s.emitError("", err)
			}
		}
	}
}

func (s *Session) handleAudio(pcm []byte) {
	if !s.started {
		s.emitError("", errNotStarted)
		return
	}
	s.metrics.RecordAudioBytes("in", int64(len(pcm)))
	s.analyser.Write(pcm)
	s.controller.Write(pcm)
}

func (s *Session) handleControl(msg *ClientMessage) error {
	switch msg.Type {
	case MsgStart:
		return s.handleStart(msg)
	case MsgStop:
		return s.handleStop()
	case MsgProfileDelete:
		return s.handleProfileDelete(msg)
	}

	if !s.started {
		return errNotStarted
	}

	switch msg.Type {
	case MsgSettings:
		return s.handleSettings(msg)
	case MsgEnable:
		return s.enable()
	case MsgDisable:
		s.disable()
		return nil
	case MsgCalibrate:
		return s.handleCalibrate(msg)
	case MsgCalibrationApply:
		return s.handleCalibrationApply(msg)
	case MsgOptions:
		return s.handleOptions(msg)
	case MsgRecordStart:
		return s.handleRecordStart()
	case MsgRecordStop:
		return s.handleRecordStop()
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (s *Session) handleStart(msg *ClientMessage) error {
	sampleRate := msg.SampleRate
	if sampleRate == 0 {
		sampleRate = s.cfg.Recorder.SampleRate
	}
	if sampleRate < minSampleRate || sampleRate > maxSampleRate {
		return fmt.Errorf("sample rate %d outside [%d, %d]", sampleRate, minSampleRate, maxSampleRate)
	}

	mode := msg.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if mode != ModeAuto && mode != ModeManual {
		return fmt.Errorf("unknown recording mode %q", mode)
	}

	profile := msg.Profile
	if profile == "" {
		profile = settings.DefaultProfile
	}
	vadSettings, err := s.loadSettings(profile)
	if err != nil {
		return err
	}

	// a second start replaces the running capture
	s.teardownCapture()

	pc := s.cfg.Pipeline
	if msg.From != "" {
		pc.From = msg.From
	}
	if msg.To != "" {
		pc.To = msg.To
	}
	if msg.Speak != nil {
		pc.Speak = *msg.Speak
	}
	p, err := pipeline.New(pc, s.deps, pipeline.Handlers{
		OnEntry: s.emitTranslation,
		OnError: func(e *pipeline.StageError) { s.emitError(e.Stage, e) },
	}, s.metrics, s.logger)
	if err != nil {
		return err
	}

	rc := s.cfg.Recorder
	rc.SampleRate = sampleRate
	c, err := recorder.NewController(rc, p,
		recorder.WithObserver(s.observeSegment),
		recorder.WithLogger(s.logger),
	)
	if err != nil {
		p.Close()
		return err
	}

	s.pipeline = p
	s.controller = c
	s.profile = profile
	s.started = true
	s.current.Store(&vadSettings)

	if mode == ModeAuto {
		if err := s.enable(); err != nil {
			return err
		}
	}

	s.logger.Info().
		Int("sample_rate", sampleRate).
		Str("mode", mode).
		Str("from", pc.From).
		Str("to", pc.To).
		Bool("speak", pc.Speak).
		Str("profile", profile).
		Msg("Capture started")

	rec := settings.FromSettings(vadSettings)
	s.emit(ServerEvent{
		Type:      EventReady,
		SessionID: s.id,
		Settings:  &rec,
		Enabled:   boolPtr(mode == ModeAuto),
		Mode:      mode,
		From:      pc.From,
		To:        pc.To,
		Speak:     boolPtr(pc.Speak),
	})
	return nil
}

func (s *Session) loadSettings(profile string) (vad.Settings, error) {
	if s.store == nil {
		return s.cfg.Settings, nil
	}
	return s.store.Load(profile)
}

// teardownCapture stops detection and discards any in-flight work
func (s *Session) teardownCapture() {
	if !s.started {
		return
	}
	s.runner.Detach()
	s.controller.Reset()
	s.pipeline.Close()
	s.started = false
}

func (s *Session) listener() vad.Listener {
	return vad.Listeners{
		s.events,
		s.controller,
		vad.Callbacks{
			StateChange: func(state vad.State) {
				s.metrics.RecordStateChange(state.String())
			},
			VolumeUpdate: s.calibrate,
		},
	}
}

func (s *Session) enable() error {
	if s.runner.Attached() {
		return nil
	}
	// switching to automatic detection closes a manual recording
	if s.controller.Capturing() {
		s.emit(ServerEvent{Type: EventSpeechEnd})
		s.controller.Flush()
	}
	s.analyser.Reset()
	if err := s.runner.Attach(s.analyser, *s.current.Load(), s.listener()); err != nil {
		return err
	}
	s.emit(ServerEvent{Type: EventSettings, Enabled: boolPtr(true)})
	return nil
}

// disable cancels detection and switches the session to manual recording. A
// segment being captured is discarded since no speech end will arrive for it.
func (s *Session) disable() {
	s.runner.Detach()
	s.controller.Reset()
	s.calibrator.Begin(vad.PhaseIdle)
	s.emit(ServerEvent{Type: EventSettings, Enabled: boolPtr(false)})
}

func (s *Session) handleSettings(msg *ClientMessage) error {
	if msg.Settings == nil {
		rec := settings.FromSettings(*s.current.Load())
		s.emit(ServerEvent{Type: EventSettings, Settings: &rec, Enabled: boolPtr(s.runner.Attached())})
		return nil
	}

	next, err := msg.Settings.Settings()
	if err != nil {
		return err
	}
	return s.applySettings(next, msg.Save)
}

func (s *Session) applySettings(next vad.Settings, save bool) error {
	if s.runner.Attached() {
		if err := s.runner.UpdateSettings(next); err != nil {
			return err
		}
	}
	s.current.Store(&next)

	if save && s.store != nil {
		if err := s.store.Save(s.profile, next); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
	}

	rec := settings.FromSettings(next)
	s.emit(ServerEvent{Type: EventSettings, Settings: &rec, Enabled: boolPtr(s.runner.Attached())})
	return nil
}

func (s *Session) handleCalibrate(msg *ClientMessage) error {
	phase, ok := vad.ParseCalibrationPhase(msg.Phase)
	if !ok {
		return fmt.Errorf("unknown calibration phase %q", msg.Phase)
	}
	if phase != vad.PhaseIdle && !s.runner.Attached() {
		return errors.New("calibration needs the detector enabled")
	}
	s.calibrator.Begin(phase)
	s.emit(ServerEvent{Type: EventCalibration, Calibration: &CalibrationPayload{Phase: phase.String()}})
	return nil
}

func (s *Session) handleCalibrationApply(msg *ClientMessage) error {
	next, err := s.calibrator.Propose(*s.current.Load())
	if err != nil {
		return err
	}
	s.logger.Info().
		Float64("start_threshold", next.StartThreshold).
		Float64("stop_threshold", next.StopThreshold).
		Msg("Applying calibrated thresholds")
	return s.applySettings(next, msg.Save)
}

// calibrate runs on the ticking goroutine
func (s *Session) calibrate(db float64) {
	phase := s.calibrator.Phase()
	if phase == vad.PhaseIdle || !s.calibrator.Add(db) {
		return
	}

	payload := &CalibrationPayload{Phase: vad.PhaseIdle.String(), Completed: phase.String()}
	if res, err := s.calibrator.Result(); err == nil {
		payload.AmbientLevel = floatPtr(res.AmbientLevel)
		payload.SpeechLevel = floatPtr(res.SpeechLevel)
		if proposed, err := res.Apply(*s.current.Load()); err == nil {
			rec := settings.FromSettings(proposed)
			payload.Proposed = &rec
		}
	}
	s.emit(ServerEvent{Type: EventCalibration, Calibration: payload})
}

// handleOptions changes the language pair and speech toggle for segments not
// yet translated
func (s *Session) handleOptions(msg *ClientMessage) error {
	from, to, speak := s.pipeline.Options()
	if msg.From != "" {
		from = msg.From
	}
	if msg.To != "" {
		to = msg.To
	}
	if msg.Speak != nil {
		speak = *msg.Speak
	}
	s.pipeline.SetLanguages(from, to)
	s.pipeline.SetSpeak(speak)

	s.logger.Info().Str("from", from).Str("to", to).Bool("speak", speak).Msg("Translation options changed")
	s.emit(ServerEvent{Type: EventOptions, From: from, To: to, Speak: boolPtr(speak)})
	return nil
}

var errDetectorActive = errors.New("manual recording needs the detector disabled")

func (s *Session) handleRecordStart() error {
	if s.runner.Attached() {
		return errDetectorActive
	}
	if s.controller.Capturing() {
		return nil
	}
	s.controller.OnSpeechStart()
	s.emit(ServerEvent{Type: EventSpeechStart})
	return nil
}

func (s *Session) handleRecordStop() error {
	if s.runner.Attached() {
		return errDetectorActive
	}
	if !s.controller.Capturing() {
		return nil
	}
	s.emit(ServerEvent{Type: EventSpeechEnd})
	s.controller.OnSpeechEnd()
	return nil
}

// handleProfileDelete removes a saved profile. The running detector falls back
// to the defaults when its own profile is deleted.
func (s *Session) handleProfileDelete(msg *ClientMessage) error {
	if s.store == nil {
		return errors.New("settings are not persisted on this server")
	}
	profile := msg.Profile
	if profile == "" {
		profile = settings.DefaultProfile
	}
	if err := s.store.Delete(profile); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	s.emit(ServerEvent{Type: EventProfile, Profile: profile})

	if s.started && profile == s.profile {
		return s.applySettings(s.store.Defaults(), false)
	}
	return nil
}

// handleStop ends detection, closes the open segment and waits for pending
// translations before closing the connection
func (s *Session) handleStop() error {
	if s.started {
		s.runner.Detach()
		s.controller.Flush()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		s.pipeline.Drain(ctx)
		cancel()
	}
	s.close()
	return errStopped
}

func (s *Session) observeSegment(outcome recorder.Outcome, seg *recorder.Segment) {
	if seg == nil {
		s.metrics.RecordSegment(string(outcome), 0)
		return
	}
	s.metrics.RecordSegment(string(outcome), seg.Duration())
	s.emit(ServerEvent{
		Type:       EventSegment,
		SegmentID:  seg.ID,
		DurationMS: seg.Duration().Milliseconds(),
		Outcome:    string(outcome),
	})
}

// forwardEvents turns detector notifications into client events. It keeps
// draining until the runner is detached so ticks never block on it.
func (s *Session) forwardEvents() {
	for {
		select {
		case <-s.stopForward:
			return
		case ev := <-s.events.Events():
			switch ev.Type {
			case vad.EventVolumeUpdate:
				s.emitVolume(ev.Volume)
			case vad.EventStateChange:
				s.emit(ServerEvent{Type: EventState, State: ev.State.String()})
			case vad.EventSpeechStart:
				s.emit(ServerEvent{Type: EventSpeechStart})
			case vad.EventSpeechEnd:
				s.emit(ServerEvent{Type: EventSpeechEnd})
			}
		}
	}
}

func (s *Session) emitTranslation(e *pipeline.Entry) {
	payload := &TranslationPayload{
		ID:         e.ID,
		SegmentID:  e.SegmentID,
		Original:   e.Original,
		Translated: e.Translated,
		From:       e.From,
		To:         e.To,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.Audio != nil {
		payload.Audio = e.Audio.Data
		payload.AudioSampleRate = e.Audio.SampleRate
	}
	s.emit(ServerEvent{Type: EventTranslation, Translation: payload})
}

func (s *Session) emitError(stage string, err error) {
	s.emit(ServerEvent{Type: EventError, Stage: stage, Message: err.Error()})
}

// emitVolume drops the update when the client is not keeping up
func (s *Session) emitVolume(db float64) {
	data, err := json.Marshal(ServerEvent{Type: EventVolume, VolumeDB: floatPtr(wireVolume(db))})
	if err != nil {
		return
	}
	select {
	case s.send <- outbound{data: data}:
	default:
		s.metrics.RecordDroppedEvents("volume", 1)
	}
}

func (s *Session) emit(ev ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event", ev.Type).Msg("Failed to encode event")
		return
	}
	select {
	case s.send <- outbound{data: data}:
	case <-s.done:
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case out := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if out.close {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped")
				s.conn.WriteMessage(websocket.CloseMessage, msg)
				s.shutdown()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				s.logger.Warn().Err(err).Msg("WebSocket write error")
				s.shutdown()
				s.conn.Close()
				return
			}

		case <-s.done:
			return
		}
	}
}
