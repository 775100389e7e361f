package session

import (
	"context"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-translator/internal/audio"
	"github.com/lexiqai/voice-translator/internal/pipeline"
	"github.com/lexiqai/voice-translator/internal/recorder"
	"github.com/lexiqai/voice-translator/internal/settings"
	"github.com/lexiqai/voice-translator/internal/stt"
	"github.com/lexiqai/voice-translator/internal/vad"
)

type echoTranscriber struct {
	mu       sync.Mutex
	segments []*recorder.Segment
}

func (e *echoTranscriber) Name() string { return "echo" }

func (e *echoTranscriber) Transcribe(_ context.Context, seg *recorder.Segment, language string) (*stt.Result, error) {
	e.mu.Lock()
	e.segments = append(e.segments, seg)
	e.mu.Unlock()
	return &stt.Result{Text: "hello", Language: language}, nil
}

type tagTranslator struct{}

func (tagTranslator) Name() string { return "tag" }

func (tagTranslator) Translate(_ context.Context, text, from, to string) (string, error) {
	return "[" + from + "->" + to + "] " + text, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.AnalyserWindow = 160 // 10ms at 16 kHz
	cfg.Recorder = recorder.Config{
		SampleRate:  16000,
		PreRoll:     50 * time.Millisecond,
		MinDuration: 50 * time.Millisecond,
		MaxDuration: 5 * time.Second,
	}
	cfg.DrainTimeout = 2 * time.Second
	cfg.Settings = vad.Settings{
		StartThreshold:     -20,
		StopThreshold:      -30,
		MinSpeechDuration:  20 * time.Millisecond,
		MinSilenceDuration: 40 * time.Millisecond,
		SmoothingFactor:    0,
	}
	return cfg
}

type testClient struct {
	conn   *websocket.Conn
	events chan ServerEvent
}

func startServer(t *testing.T, store *settings.Store) (*Handler, *echoTranscriber, *httptest.Server) {
	t.Helper()
	transcriber := &echoTranscriber{}
	h := NewHandler(testConfig(), pipeline.Deps{
		Transcriber: transcriber,
		Translator:  tagTranslator{},
	}, store, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return h, transcriber, srv
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &testClient{conn: conn, events: make(chan ServerEvent, 1024)}
	go func() {
		defer close(c.events)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev ServerEvent
			if json.Unmarshal(data, &ev) == nil {
				c.events <- ev
			}
		}
	}()
	return c
}

func (c *testClient) sendJSON(t *testing.T, msg any) {
	t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func (c *testClient) sendPCM(t *testing.T, value int16, samples int) {
	t.Helper()
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = value
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16LE(pcm)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

// waitFor returns the first event of type, failing after timeout
func (c *testClient) waitFor(t *testing.T, eventType string, timeout time.Duration) ServerEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				t.Fatalf("Connection closed while waiting for %s", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", eventType)
		}
	}
}

// collect waits until one event of every listed type arrived. Detector events
// and segment events travel different paths, so their relative order is not
// fixed.
func (c *testClient) collect(t *testing.T, timeout time.Duration, types ...string) map[string]ServerEvent {
	t.Helper()
	got := make(map[string]ServerEvent)
	want := make(map[string]bool)
	for _, typ := range types {
		want[typ] = true
	}
	deadline := time.After(timeout)
	for len(got) < len(want) {
		select {
		case ev, ok := <-c.events:
			if !ok {
				t.Fatalf("Connection closed, got %v of %v", len(got), types)
			}
			if _, seen := got[ev.Type]; want[ev.Type] && !seen {
				got[ev.Type] = ev
			}
		case <-deadline:
			t.Fatalf("Timed out, got %d of %v", len(got), types)
		}
	}
	return got
}

func (c *testClient) start(t *testing.T) ServerEvent {
	t.Helper()
	c.sendJSON(t, ClientMessage{Type: MsgStart, SampleRate: 16000, From: "ja", To: "en"})
	return c.waitFor(t, EventReady, 2*time.Second)
}

// speak streams loud audio then silence in 10ms frames. It may run on its own
// goroutine, so write errors end it quietly.
func (c *testClient) speak(speech, silence time.Duration) {
	frame := func(value int16) bool {
		pcm := make([]int16, 160)
		for i := range pcm {
			pcm[i] = value
		}
		err := c.conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16LE(pcm))
		time.Sleep(10 * time.Millisecond)
		return err == nil
	}
	for d := time.Duration(0); d < speech; d += 10 * time.Millisecond {
		if !frame(16000) {
			return
		}
	}
	for d := time.Duration(0); d < silence; d += 10 * time.Millisecond {
		if !frame(0) {
			return
		}
	}
}

func TestSession_SpeechIsTranslated(t *testing.T) {
	h, transcriber, srv := startServer(t, nil)
	c := dial(t, srv)

	ready := c.start(t)
	if ready.SessionID == "" || ready.Settings == nil || ready.Settings.StartThreshold != -20 {
		t.Fatalf("Unexpected ready event %+v", ready)
	}
	if h.ActiveSessions() != 1 {
		t.Errorf("Expected 1 active session, got %d", h.ActiveSessions())
	}

	go c.speak(300*time.Millisecond, 300*time.Millisecond)

	got := c.collect(t, 3*time.Second, EventSpeechStart, EventSpeechEnd, EventSegment, EventTranslation)
	seg := got[EventSegment]
	if seg.Outcome != string(recorder.OutcomeEmitted) || seg.DurationMS < 250 {
		t.Errorf("Expected an emitted segment of the utterance, got %+v", seg)
	}

	tr := got[EventTranslation]
	if tr.Translation == nil || tr.Translation.Translated != "[ja->en] hello" {
		t.Fatalf("Unexpected translation %+v", tr.Translation)
	}
	if tr.Translation.SegmentID != seg.SegmentID || tr.Translation.Original != "hello" {
		t.Errorf("Expected translation of segment %s, got %+v", seg.SegmentID, tr.Translation)
	}

	transcriber.mu.Lock()
	if len(transcriber.segments) != 1 || transcriber.segments[0].SampleRate != 16000 {
		t.Errorf("Expected one 16 kHz segment to be transcribed, got %d", len(transcriber.segments))
	}
	transcriber.mu.Unlock()
}

func TestSession_EventOrderAndVolume(t *testing.T) {
	_, _, srv := startServer(t, nil)
	c := dial(t, srv)
	c.start(t)

	go c.speak(200*time.Millisecond, 200*time.Millisecond)

	var sequence []string
	sawVolume := false
	deadline := time.After(3 * time.Second)
	for len(sequence) == 0 || sequence[len(sequence)-1] != EventSpeechEnd {
		select {
		case ev, ok := <-c.events:
			if !ok {
				t.Fatalf("Connection closed, got %v", sequence)
			}
			switch ev.Type {
			case EventVolume:
				sawVolume = true
				if ev.VolumeDB == nil || math.IsInf(*ev.VolumeDB, 0) || *ev.VolumeDB < vad.MinLoudnessDB {
					t.Fatalf("Expected finite volume, got %+v", ev.VolumeDB)
				}
			case EventState:
				sequence = append(sequence, ev.State)
			case EventSpeechStart, EventSpeechEnd:
				sequence = append(sequence, ev.Type)
			}
		case <-deadline:
			t.Fatalf("Timed out, got %v", sequence)
		}
	}

	want := []string{"pending_speech", "speaking", EventSpeechStart, "pending_silence", "silent", EventSpeechEnd}
	if strings.Join(sequence, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, sequence)
	}
	if !sawVolume {
		t.Error("Expected volume events")
	}
}

func TestSession_ControlErrors(t *testing.T) {
	_, _, srv := startServer(t, nil)
	c := dial(t, srv)

	c.sendJSON(t, ClientMessage{Type: MsgProfileDelete, Profile: "kim"})
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "not persisted") {
		t.Errorf("Expected profile deletion to need a store, got %q", ev.Message)
	}

	c.sendJSON(t, ClientMessage{Type: MsgStart, Mode: "sometimes"})
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "recording mode") {
		t.Errorf("Expected recording mode error, got %q", ev.Message)
	}

	c.sendPCM(t, 100, 160)
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "not started") {
		t.Errorf("Expected not-started error, got %q", ev.Message)
	}

	c.sendJSON(t, ClientMessage{Type: MsgEnable})
	c.waitFor(t, EventError, time.Second)

	c.sendJSON(t, ClientMessage{Type: MsgStart, SampleRate: 1000})
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "sample rate") {
		t.Errorf("Expected sample rate error, got %q", ev.Message)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "invalid control message") {
		t.Errorf("Expected protocol error, got %q", ev.Message)
	}

	c.start(t)
	c.sendJSON(t, ClientMessage{Type: "bogus"})
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "bogus") {
		t.Errorf("Expected unknown type error, got %q", ev.Message)
	}

	inverted := settings.Record{StartThreshold: -40, StopThreshold: -30, SmoothingFactor: 0.5}
	c.sendJSON(t, ClientMessage{Type: MsgSettings, Settings: &inverted})
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "StopThreshold") {
		t.Errorf("Expected settings validation error, got %q", ev.Message)
	}
}

func TestSession_SettingsAndToggle(t *testing.T) {
	store, err := settings.NewStore(t.TempDir(), testConfig().Settings, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, _, srv := startServer(t, store)
	c := dial(t, srv)
	c.start(t)

	rec := settings.Record{StartThreshold: -25, StopThreshold: -35, MinSpeechDuration: 100, MinSilenceDuration: 200, SmoothingFactor: 0.5}
	c.sendJSON(t, ClientMessage{Type: MsgSettings, Settings: &rec, Save: true})
	ev := c.waitFor(t, EventSettings, time.Second)
	for ev.Settings == nil {
		ev = c.waitFor(t, EventSettings, time.Second)
	}
	if *ev.Settings != rec {
		t.Errorf("Expected applied settings %+v, got %+v", rec, *ev.Settings)
	}

	saved, err := store.Load(settings.DefaultProfile)
	if err != nil {
		t.Fatal(err)
	}
	if saved.StartThreshold != -25 || saved.MinSilenceDuration != 200*time.Millisecond {
		t.Errorf("Expected settings to be persisted, got %+v", saved)
	}

	c.sendJSON(t, ClientMessage{Type: MsgDisable})
	ev = c.waitFor(t, EventSettings, time.Second)
	if ev.Enabled == nil || *ev.Enabled {
		t.Errorf("Expected disabled, got %+v", ev.Enabled)
	}

	c.sendJSON(t, ClientMessage{Type: MsgCalibrate, Phase: "ambient"})
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "enabled") {
		t.Errorf("Expected calibration to need the detector, got %q", ev.Message)
	}

	c.sendJSON(t, ClientMessage{Type: MsgEnable})
	ev = c.waitFor(t, EventSettings, time.Second)
	if ev.Enabled == nil || !*ev.Enabled {
		t.Errorf("Expected enabled, got %+v", ev.Enabled)
	}
	c.waitFor(t, EventVolume, time.Second)
}

func TestSession_OptionsApplyToLaterSegments(t *testing.T) {
	_, _, srv := startServer(t, nil)
	c := dial(t, srv)
	ready := c.start(t)
	if ready.Mode != ModeAuto || ready.From != "ja" || ready.To != "en" || ready.Speak == nil || *ready.Speak {
		t.Fatalf("Unexpected ready event %+v", ready)
	}

	c.sendJSON(t, ClientMessage{Type: MsgOptions, From: "en", To: "vi"})
	ev := c.waitFor(t, EventOptions, time.Second)
	if ev.From != "en" || ev.To != "vi" || ev.Speak == nil || *ev.Speak {
		t.Fatalf("Expected en->vi without speech, got %+v", ev)
	}

	// unset fields keep their value
	c.sendJSON(t, ClientMessage{Type: MsgOptions, To: "ko"})
	if ev := c.waitFor(t, EventOptions, time.Second); ev.From != "en" || ev.To != "ko" {
		t.Fatalf("Expected en->ko, got %+v", ev)
	}

	go c.speak(300*time.Millisecond, 300*time.Millisecond)

	tr := c.waitFor(t, EventTranslation, 3*time.Second)
	if tr.Translation == nil || tr.Translation.Translated != "[en->ko] hello" {
		t.Fatalf("Expected the new language pair to apply, got %+v", tr.Translation)
	}
	if tr.Translation.From != "en" || tr.Translation.To != "ko" {
		t.Errorf("Expected en->ko entry, got %s->%s", tr.Translation.From, tr.Translation.To)
	}
}

func TestSession_ManualRecording(t *testing.T) {
	_, transcriber, srv := startServer(t, nil)
	c := dial(t, srv)

	c.sendJSON(t, ClientMessage{Type: MsgStart, SampleRate: 16000, Mode: ModeManual})
	ready := c.waitFor(t, EventReady, 2*time.Second)
	if ready.Mode != ModeManual || ready.Enabled == nil || *ready.Enabled {
		t.Fatalf("Expected manual mode with the detector off, got %+v", ready)
	}

	// quiet audio is captured too: the client decides where the segment is
	c.sendJSON(t, ClientMessage{Type: MsgRecordStart})
	c.waitFor(t, EventSpeechStart, time.Second)
	for i := 0; i < 20; i++ {
		c.sendPCM(t, 50, 160)
	}
	c.sendJSON(t, ClientMessage{Type: MsgRecordStop})

	got := c.collect(t, 3*time.Second, EventSpeechEnd, EventSegment, EventTranslation)
	seg := got[EventSegment]
	if seg.Outcome != string(recorder.OutcomeEmitted) || seg.DurationMS < 200 {
		t.Errorf("Expected the marked audio as one segment, got %+v", seg)
	}
	if tr := got[EventTranslation].Translation; tr == nil || tr.SegmentID != seg.SegmentID {
		t.Errorf("Expected translation of segment %s, got %+v", seg.SegmentID, tr)
	}

	transcriber.mu.Lock()
	if len(transcriber.segments) != 1 || transcriber.segments[0].PCM[len(transcriber.segments[0].PCM)-1] != 50 {
		t.Errorf("Expected the recorded samples to be transcribed, got %d segments", len(transcriber.segments))
	}
	transcriber.mu.Unlock()

	c.sendJSON(t, ClientMessage{Type: MsgEnable})
	c.waitFor(t, EventSettings, time.Second)
	c.sendJSON(t, ClientMessage{Type: MsgRecordStart})
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "detector disabled") {
		t.Errorf("Expected manual recording to be refused while detecting, got %q", ev.Message)
	}
}

func TestSession_ProfileDelete(t *testing.T) {
	store, err := settings.NewStore(t.TempDir(), testConfig().Settings, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, _, srv := startServer(t, store)
	c := dial(t, srv)

	c.sendJSON(t, ClientMessage{Type: MsgStart, SampleRate: 16000, Profile: "kim"})
	c.waitFor(t, EventReady, 2*time.Second)

	rec := settings.Record{StartThreshold: -25, StopThreshold: -35, MinSpeechDuration: 100, MinSilenceDuration: 200, SmoothingFactor: 0.5}
	c.sendJSON(t, ClientMessage{Type: MsgSettings, Settings: &rec, Save: true})
	ev := c.waitFor(t, EventSettings, time.Second)
	for ev.Settings == nil {
		ev = c.waitFor(t, EventSettings, time.Second)
	}
	if profiles, _ := store.Profiles(); len(profiles) != 1 || profiles[0] != "kim" {
		t.Fatalf("Expected saved profile kim, got %v", profiles)
	}

	c.sendJSON(t, ClientMessage{Type: MsgProfileDelete, Profile: "kim"})
	if ev := c.waitFor(t, EventProfile, time.Second); ev.Profile != "kim" {
		t.Errorf("Expected kim to be deleted, got %q", ev.Profile)
	}
	ev = c.waitFor(t, EventSettings, time.Second)
	if ev.Settings == nil || *ev.Settings != settings.FromSettings(testConfig().Settings) {
		t.Errorf("Expected the detector to fall back to defaults, got %+v", ev.Settings)
	}
	if profiles, _ := store.Profiles(); len(profiles) != 0 {
		t.Errorf("Expected no saved profiles, got %v", profiles)
	}

	c.sendJSON(t, ClientMessage{Type: MsgProfileDelete, Profile: "../etc"})
	if ev := c.waitFor(t, EventError, time.Second); !strings.Contains(ev.Message, "invalid profile") {
		t.Errorf("Expected invalid profile error, got %q", ev.Message)
	}
}

func TestSession_Calibration(t *testing.T) {
	_, _, srv := startServer(t, nil)
	c := dial(t, srv)
	c.start(t)

	c.sendJSON(t, ClientMessage{Type: MsgCalibrationApply})
	c.waitFor(t, EventError, time.Second)

	c.sendPCM(t, 1000, 160) // about -31 dB, held by the analyser window
	c.sendJSON(t, ClientMessage{Type: MsgCalibrate, Phase: "ambient"})
	ev := c.waitFor(t, EventCalibration, 5*time.Second)
	if ev.Calibration.Phase != "ambient" {
		t.Fatalf("Expected ambient phase to begin, got %+v", ev.Calibration)
	}
	ev = c.waitFor(t, EventCalibration, 5*time.Second)
	if ev.Calibration.Completed != "ambient" || ev.Calibration.Proposed != nil {
		t.Fatalf("Expected ambient completion without a proposal, got %+v", ev.Calibration)
	}

	c.sendPCM(t, 16000, 160) // about -6 dB
	c.sendJSON(t, ClientMessage{Type: MsgCalibrate, Phase: "speech"})
	c.waitFor(t, EventCalibration, 5*time.Second)
	ev = c.waitFor(t, EventCalibration, 5*time.Second)
	if ev.Calibration.Completed != "speech" || ev.Calibration.Proposed == nil {
		t.Fatalf("Expected speech completion with a proposal, got %+v", ev.Calibration)
	}

	c.sendJSON(t, ClientMessage{Type: MsgCalibrationApply})
	applied := c.waitFor(t, EventSettings, time.Second)
	for applied.Settings == nil {
		applied = c.waitFor(t, EventSettings, time.Second)
	}
	if s := applied.Settings; s.StartThreshold < -12 || s.StartThreshold > -10 || s.StopThreshold < -29 || s.StopThreshold > -27.5 {
		t.Errorf("Unexpected calibrated thresholds %+v", s)
	}
}

func TestSession_StopFlushesAndCloses(t *testing.T) {
	h, _, srv := startServer(t, nil)
	c := dial(t, srv)
	c.start(t)

	// still speaking when stop arrives
	c.speak(200*time.Millisecond, 0)
	c.sendJSON(t, ClientMessage{Type: MsgStop})

	sawSegment, sawTranslation := false, false
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-c.events:
			if !ok {
				done = true
				break
			}
			switch ev.Type {
			case EventSegment:
				sawSegment = true
			case EventTranslation:
				sawTranslation = true
			}
		case <-timeout:
			t.Fatal("Timed out waiting for the connection to close")
		}
	}
	if !sawSegment || !sawTranslation {
		t.Errorf("Expected the open segment to be flushed and translated, segment=%v translation=%v", sawSegment, sawTranslation)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ActiveSessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.ActiveSessions() != 0 {
		t.Errorf("Expected session to be removed, got %d", h.ActiveSessions())
	}
}

func TestHandler_ShutdownRejectsNewSessions(t *testing.T) {
	h, _, srv := startServer(t, nil)
	c := dial(t, srv)
	c.start(t)

	h.Shutdown()
	if h.ActiveSessions() != 0 {
		t.Errorf("Expected no sessions after shutdown, got %d", h.ActiveSessions())
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("Expected dial to fail after shutdown")
	}
}

func TestWireVolume(t *testing.T) {
	if wireVolume(math.Inf(-1)) != vad.MinLoudnessDB {
		t.Errorf("Expected -Inf to map to %v", vad.MinLoudnessDB)
	}
	if wireVolume(-12.5) != -12.5 {
		t.Error("Expected finite volumes to pass through")
	}
}
