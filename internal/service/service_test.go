package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/voicemd/internal/audio"
	"github.com/audiolibrelab/voicemd/internal/config"
	"github.com/audiolibrelab/voicemd/internal/openai"
	"github.com/audiolibrelab/voicemd/internal/session"
	"github.com/audiolibrelab/voicemd/internal/voiceerr"
)

type memStore struct {
	mu       sync.Mutex
	settings config.Settings
	saves    int
	loadErr  error
}

func (m *memStore) Load() (config.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, m.loadErr
}

func (m *memStore) Save(s config.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	m.saves++
	return nil
}

type fakeEditor struct {
	inserted []string
	err      error
}

func (e *fakeEditor) InsertAtCursor(text string) error {
	if e.err != nil {
		return e.err
	}
	e.inserted = append(e.inserted, text)
	return nil
}

type fakeNotice struct{ hidden bool }

func (n *fakeNotice) Hide() { n.hidden = true }

type sentNotice struct {
	message string
	timeout time.Duration
	notice  *fakeNotice
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (n *fakeNotifier) Notify(message string, timeout time.Duration) Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	notice := &fakeNotice{}
	n.sent = append(n.sent, sentNotice{message: message, timeout: timeout, notice: notice})
	return notice
}

func (n *fakeNotifier) count(message string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.sent {
		if s.message == message {
			count++
		}
	}
	return count
}

type fakeStorage struct {
	folders []string
	files   map[string]string
	err     error
}

func (s *fakeStorage) EnsureFolder(path string) error {
	s.folders = append(s.folders, path)
	return nil
}

func (s *fakeStorage) CreateFile(path, content string) error {
	if s.err != nil {
		return s.err
	}
	if s.files == nil {
		s.files = map[string]string{}
	}
	if _, ok := s.files[path]; ok {
		return ErrFileExists
	}
	s.files[path] = content
	return nil
}

type fakeTranscriber struct {
	result        *openai.TranscriptionResult
	transcribeErr error
	structured    string
	structureErr  error

	diarize     []bool
	structureIn []string
	connected   bool

	// entered and gate block Transcribe when set
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, artifact *audio.Artifact, opts openai.TranscriptionOptions, diarize bool) (*openai.TranscriptionResult, error) {
	if f.gate != nil {
		close(f.entered)
		<-f.gate
	}
	f.diarize = append(f.diarize, diarize)
	if f.transcribeErr != nil {
		return nil, f.transcribeErr
	}
	return f.result, nil
}

func (f *fakeTranscriber) StructureText(ctx context.Context, raw, model, promptOverride string) (string, error) {
	f.structureIn = append(f.structureIn, raw)
	if f.structureErr != nil {
		return "", f.structureErr
	}
	return f.structured, nil
}

func (f *fakeTranscriber) TestConnection(ctx context.Context) bool {
	return f.connected
}

type fakeRecorder struct {
	startErr error
	artifact *audio.Artifact
}

func (r *fakeRecorder) Start(ctx context.Context) error { return r.startErr }

func (r *fakeRecorder) Stop(ctx context.Context) (*audio.Artifact, error) {
	return r.artifact, nil
}

func (r *fakeRecorder) Cleanup() {}

type harness struct {
	svc      *VoiceService
	store    *memStore
	editor   *fakeEditor
	notifier *fakeNotifier
	storage  *fakeStorage
	client   *fakeTranscriber
	recorder *fakeRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	settings := config.Default()
	settings.APIKey = "sk-test-1234"

	h := &harness{
		store:    &memStore{settings: settings},
		editor:   &fakeEditor{},
		notifier: &fakeNotifier{},
		storage:  &fakeStorage{},
		client:   &fakeTranscriber{result: &openai.TranscriptionResult{Text: "hello world"}},
		recorder: &fakeRecorder{artifact: &audio.Artifact{Data: []byte("audio"), MIMEType: "audio/webm"}},
	}
	h.svc = New(Deps{
		Store:       h.store,
		Editor:      h.editor,
		Notifier:    h.notifier,
		Storage:     h.storage,
		NewClient:   func(config.Settings) Transcriber { return h.client },
		NewRecorder: func(config.Settings) session.Recorder { return h.recorder },
		Now: func() time.Time {
			return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
		},
	})
	return h
}

func (h *harness) process(modes session.Modes) Outcome {
	return h.svc.Process(context.Background(), h.recorder.artifact, modes)
}

func TestProcess_EmptyTranscription(t *testing.T) {
	for _, text := range []string{"", "   \n\t"} {
		h := newHarness(t)
		h.client.result = &openai.TranscriptionResult{Text: text}

		outcome := h.process(session.Modes{PostProcessing: true})

		if !outcome.Empty {
			t.Errorf("Empty = false for %q", text)
		}
		if len(h.editor.inserted) != 0 {
			t.Errorf("inserted %v, want nothing", h.editor.inserted)
		}
		if len(h.storage.files) != 0 {
			t.Errorf("created files %v, want none", h.storage.files)
		}
		if len(h.client.structureIn) != 0 {
			t.Error("post-processing ran on an empty transcript")
		}
		if h.notifier.count(msgEmpty) != 1 {
			t.Errorf("empty transcription notice sent %d times", h.notifier.count(msgEmpty))
		}
	}
}

func TestProcess_PostProcessingCreatesLinkedFiles(t *testing.T) {
	h := newHarness(t)
	h.client.structured = "## Hello\n\nWorld"

	outcome := h.process(session.Modes{PostProcessing: true})

	if outcome.Err != nil || outcome.Warning != nil || outcome.SaveErr != nil {
		t.Fatalf("unexpected failure: %+v", outcome)
	}
	if outcome.Text != "## Hello\n\nWorld" {
		t.Errorf("Text = %q", outcome.Text)
	}

	rawPath := "Voice Transcriptions/transcription-2024-03-09T14-05-07-raw.md"
	structuredPath := "Voice Transcriptions/transcription-2024-03-09T14-05-07.md"
	if outcome.RawPath != rawPath || outcome.StructuredPath != structuredPath {
		t.Errorf("paths = %q, %q", outcome.RawPath, outcome.StructuredPath)
	}
	if got := h.storage.files[rawPath]; got != "hello world" {
		t.Errorf("raw file = %q", got)
	}
	wantStructured := "> Raw transcription: [[transcription-2024-03-09T14-05-07-raw]]\n\n## Hello\n\nWorld"
	if got := h.storage.files[structuredPath]; got != wantStructured {
		t.Errorf("structured file = %q, want %q", got, wantStructured)
	}
	if len(h.storage.folders) != 1 || h.storage.folders[0] != "Voice Transcriptions" {
		t.Errorf("folders = %v", h.storage.folders)
	}
	if len(h.editor.inserted) != 1 || h.editor.inserted[0] != "## Hello\n\nWorld" {
		t.Errorf("inserted = %v", h.editor.inserted)
	}
	if h.notifier.count(msgComplete) != 1 {
		t.Error("missing completion notice")
	}
	for _, s := range h.notifier.sent {
		if s.timeout == 0 && !s.notice.hidden {
			t.Errorf("progress notice %q left visible", s.message)
		}
	}
}

func TestProcess_PostProcessingFailureKeepsRaw(t *testing.T) {
	h := newHarness(t)
	h.client.structureErr = voiceerr.Classify(&openai.APIError{StatusCode: 500, Message: "boom"}, true)

	outcome := h.process(session.Modes{PostProcessing: true})

	if outcome.Err != nil {
		t.Fatalf("Err = %v, want nil", outcome.Err)
	}
	if outcome.Text != "hello world" {
		t.Errorf("Text = %q, want raw transcript", outcome.Text)
	}
	if outcome.Warning == nil || outcome.Warning.Kind != voiceerr.KindPostProcessing {
		t.Fatalf("Warning = %v", outcome.Warning)
	}
	if n := h.notifier.count(outcome.Warning.UserMessage()); n != 1 {
		t.Errorf("warning reported %d times, want 1", n)
	}
	if len(h.storage.files) != 0 {
		t.Errorf("created files %v, want none", h.storage.files)
	}
	if len(h.editor.inserted) != 1 || h.editor.inserted[0] != "hello world" {
		t.Errorf("inserted = %v", h.editor.inserted)
	}
}

func TestProcess_UnclassifiedPostProcessingError(t *testing.T) {
	h := newHarness(t)
	h.client.structureErr = errors.New("model exploded")

	outcome := h.process(session.Modes{PostProcessing: true})

	if outcome.Warning == nil || outcome.Warning.Kind != voiceerr.KindPostProcessing {
		t.Fatalf("Warning = %v", outcome.Warning)
	}
}

func TestProcess_WithoutPostProcessing(t *testing.T) {
	h := newHarness(t)

	outcome := h.process(session.Modes{})

	if outcome.Text != "hello world" || outcome.Structured {
		t.Errorf("outcome = %+v", outcome)
	}
	if len(h.client.structureIn) != 0 {
		t.Error("post-processing ran while disabled")
	}
	if len(h.storage.files) != 0 {
		t.Errorf("created files %v, want none", h.storage.files)
	}
	if len(h.editor.inserted) != 1 {
		t.Errorf("inserted = %v", h.editor.inserted)
	}
}

func TestProcess_TranscriptionError(t *testing.T) {
	h := newHarness(t)
	h.client.transcribeErr = voiceerr.Classify(&openai.APIError{StatusCode: 401}, false)

	outcome := h.process(session.Modes{PostProcessing: true})

	if !voiceerr.Is(outcome.Err, voiceerr.KindInvalidAPIKey) {
		t.Fatalf("Err = %v", outcome.Err)
	}
	if len(h.editor.inserted) != 0 {
		t.Errorf("inserted = %v", h.editor.inserted)
	}
	msg := voiceerr.Describe(outcome.Err)
	if h.notifier.count(msg) != 1 {
		t.Errorf("error notice %q not sent", msg)
	}
	if h.svc.GetLastError() != msg {
		t.Errorf("GetLastError() = %q", h.svc.GetLastError())
	}
	if h.svc.LastOutcome() == nil || h.svc.LastOutcome().Err == nil {
		t.Error("LastOutcome not recorded")
	}
}

func TestProcess_SaveFailureStillInserts(t *testing.T) {
	h := newHarness(t)
	h.client.structured = "## Notes"
	h.storage.err = errors.New("disk full")

	outcome := h.process(session.Modes{PostProcessing: true})

	if outcome.SaveErr == nil {
		t.Fatal("SaveErr = nil")
	}
	if len(h.editor.inserted) != 1 || h.editor.inserted[0] != "## Notes" {
		t.Errorf("inserted = %v", h.editor.inserted)
	}
}

func TestProcess_DiarizedSegments(t *testing.T) {
	h := newHarness(t)
	h.client.result = &openai.TranscriptionResult{
		Text: "hi there how are you fine",
		Segments: []openai.Segment{
			{Text: "hi there", Speaker: "A"},
			{Text: "how are you", Speaker: "A"},
			{Text: "fine", Speaker: "B"},
		},
	}

	outcome := h.process(session.Modes{Diarization: true})

	want := "**Speaker A:** hi there how are you\n\n**Speaker B:** fine"
	if outcome.Text != want {
		t.Errorf("Text = %q, want %q", outcome.Text, want)
	}
	if len(h.client.diarize) != 1 || !h.client.diarize[0] {
		t.Errorf("diarize = %v", h.client.diarize)
	}
}

func TestRenderTranscript(t *testing.T) {
	tests := []struct {
		name   string
		result openai.TranscriptionResult
		want   string
	}{
		{"plain text", openai.TranscriptionResult{Text: "just text"}, "just text"},
		{
			"speaker turns",
			openai.TranscriptionResult{Segments: []openai.Segment{
				{Text: "one", Speaker: "A"}, {Text: "two", Speaker: "B"}, {Text: "three", Speaker: "A"},
			}},
			"**Speaker A:** one\n\n**Speaker B:** two\n\n**Speaker A:** three",
		},
		{
			"blank segments skipped",
			openai.TranscriptionResult{Segments: []openai.Segment{{Text: " ", Speaker: "A"}, {Text: "x", Speaker: "B"}}},
			"**Speaker B:** x",
		},
		{
			"unlabelled segments",
			openai.TranscriptionResult{Segments: []openai.Segment{{Text: "a"}, {Text: "b"}}},
			"a b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderTranscript(&tt.result); got != tt.want {
				t.Errorf("RenderTranscript() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpen_MissingAPIKey(t *testing.T) {
	h := newHarness(t)
	h.store.settings.APIKey = ""

	ctrl, err := h.svc.Open(context.Background())

	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("Open() error = %v", err)
	}
	if ctrl != nil {
		t.Error("controller created without an API key")
	}
	if h.notifier.count(msgMissingKey) != 1 {
		t.Error("missing key notice not sent")
	}
}

func TestOpen_RunsPipelineOnStop(t *testing.T) {
	h := newHarness(t)
	h.client.structured = "## Done"
	h.store.settings.EnablePostProcessing = true

	ctrl, err := h.svc.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if h.svc.Active() != ctrl {
		t.Fatal("Active() does not return the open session")
	}
	if _, err := h.svc.Open(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Open() error = %v, want ErrSessionActive", err)
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if ctrl.State() != session.StateClosed {
		t.Errorf("state = %s, want CLOSED", ctrl.State())
	}
	if h.svc.Active() != nil {
		t.Error("closed session still active")
	}
	outcome := h.svc.LastOutcome()
	if outcome == nil || outcome.Text != "## Done" {
		t.Fatalf("LastOutcome() = %+v", outcome)
	}
	if _, err := h.svc.Open(context.Background()); err != nil {
		t.Errorf("Open() after close error = %v", err)
	}
}

func TestOpen_AutoStart(t *testing.T) {
	h := newHarness(t)
	h.store.settings.AutoStartRecording = true

	ctrl, err := h.svc.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ctrl.Close()

	if ctrl.State() != session.StateRecording {
		t.Errorf("state = %s, want RECORDING", ctrl.State())
	}
	status := h.svc.GetStatus()
	if status.SessionID != ctrl.ID() || status.State != session.StateRecording {
		t.Errorf("GetStatus() = %+v", status)
	}
	if status.MaxDuration != "05:00" {
		t.Errorf("MaxDuration = %q, want 05:00", status.MaxDuration)
	}
}

func TestGetStatus_NoSession(t *testing.T) {
	h := newHarness(t)

	status := h.svc.GetStatus()

	if status.State != session.StateClosed || status.Elapsed != "00:00" || status.SessionID != "" {
		t.Errorf("GetStatus() = %+v", status)
	}
}

func TestPostProcessingChoicePersists(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	store := config.NewStore(filepath.Join(t.TempDir(), "voicemd.yaml"))
	settings := config.Default()
	settings.APIKey = "sk-file-key-9999"
	if err := store.Save(settings); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	h := newHarness(t)
	h.svc.deps.Store = store

	ctrl, err := h.svc.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ctrl.Close()

	for _, enabled := range []bool{true, false, true} {
		if err := ctrl.SetPostProcessing(enabled); err != nil {
			t.Fatalf("SetPostProcessing(%v) error = %v", enabled, err)
		}
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.EnablePostProcessing {
		t.Error("last post-processing choice not persisted")
	}
	if loaded.APIKey != "sk-file-key-9999" {
		t.Errorf("APIKey = %q, key lost on save", loaded.APIKey)
	}
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t)

	bad := config.Default()
	bad.MaxRecordingDuration = 0
	if err := h.svc.UpdateSettings(bad); err == nil || !strings.Contains(err.Error(), "max_recording_duration") {
		t.Errorf("UpdateSettings() error = %v", err)
	}
	if h.store.saves != 0 {
		t.Error("invalid settings were saved")
	}

	good := config.Default()
	good.Language = "en"
	if err := h.svc.UpdateSettings(good); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if h.store.settings.Language != "en" {
		t.Error("settings not saved")
	}
}

func TestTestConnection(t *testing.T) {
	h := newHarness(t)
	h.client.connected = true
	if !h.svc.TestConnection(context.Background()) {
		t.Error("TestConnection() = false")
	}

	h.store.settings.APIKey = ""
	if h.svc.TestConnection(context.Background()) {
		t.Error("TestConnection() = true without a key")
	}
}

type tickClock struct {
	mu     sync.Mutex
	now    time.Time
	ticker *tickTicker
}

type tickTicker struct{ ch chan time.Time }

func (t *tickTicker) C() <-chan time.Time { return t.ch }
func (t *tickTicker) Stop()               {}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *tickClock) NewTicker(time.Duration) session.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker = &tickTicker{ch: make(chan time.Time)}
	return c.ticker
}

func (c *tickClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now, ticker := c.now, c.ticker
	c.mu.Unlock()
	ticker.ch <- now
}

func TestOpen_AutoStopDeliversOutcome(t *testing.T) {
	h := newHarness(t)
	h.store.settings.MaxRecordingDuration = 1
	h.client.entered = make(chan struct{})
	h.client.gate = make(chan struct{})
	clock := &tickClock{now: time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)}
	h.svc.deps.Clock = clock

	ctrl, err := h.svc.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	clock.advance(time.Second)
	select {
	case <-h.client.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("auto-stop did not reach transcription")
	}

	if err := ctrl.Stop(context.Background()); !errors.Is(err, session.ErrNotRecording) {
		t.Errorf("Stop() during processing error = %v, want ErrNotRecording", err)
	}
	if ctrl.State() != session.StateProcessing {
		t.Errorf("state = %s, want PROCESSING", ctrl.State())
	}
	select {
	case <-ctrl.Done():
		t.Fatal("Done closed while transcription is pending")
	default:
	}

	close(h.client.gate)
	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the pipeline finished")
	}

	outcome := h.svc.LastOutcome()
	if outcome == nil || outcome.Text != "hello world" {
		t.Fatalf("LastOutcome() = %+v", outcome)
	}
	if len(h.editor.inserted) != 1 || h.editor.inserted[0] != "hello world" {
		t.Errorf("inserted = %v", h.editor.inserted)
	}
	if ctrl.State() != session.StateClosed {
		t.Errorf("state = %s, want CLOSED", ctrl.State())
	}
}

func TestProcess_SameSecondSavesDoNotCollide(t *testing.T) {
	h := newHarness(t)
	h.client.structured = "## First"
	first := h.process(session.Modes{PostProcessing: true})
	h.client.structured = "## Second"
	second := h.process(session.Modes{PostProcessing: true})

	if first.SaveErr != nil || second.SaveErr != nil {
		t.Fatalf("SaveErr = %v, %v", first.SaveErr, second.SaveErr)
	}
	rawPath := "Voice Transcriptions/transcription-2024-03-09T14-05-07-2-raw.md"
	structuredPath := "Voice Transcriptions/transcription-2024-03-09T14-05-07-2.md"
	if second.RawPath != rawPath || second.StructuredPath != structuredPath {
		t.Errorf("second paths = %q, %q", second.RawPath, second.StructuredPath)
	}
	want := "> Raw transcription: [[transcription-2024-03-09T14-05-07-2-raw]]\n\n## Second"
	if got := h.storage.files[structuredPath]; got != want {
		t.Errorf("structured file = %q, want %q", got, want)
	}
	if got := h.storage.files["Voice Transcriptions/transcription-2024-03-09T14-05-07.md"]; !strings.HasSuffix(got, "## First") {
		t.Errorf("first file overwritten: %q", got)
	}
	if len(h.storage.files) != 4 {
		t.Errorf("files = %v", h.storage.files)
	}
}

func TestNewClientFactory_UsesSettings(t *testing.T) {
	var auth, model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		model = r.FormValue("model")
		io.WriteString(w, `{"text":""}`)
	}))
	defer srv.Close()

	settings := config.Default()
	settings.APIKey = "sk-factory-key"
	settings.BaseURL = srv.URL
	settings.TranscriptionModel = "whisper-test"

	if !NewClientFactory()(settings).TestConnection(context.Background()) {
		t.Fatal("TestConnection() = false")
	}
	if auth != "Bearer sk-factory-key" || model != "whisper-test" {
		t.Errorf("auth = %q, model = %q", auth, model)
	}

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer rejecting.Close()
	settings.BaseURL = rejecting.URL
	if NewClientFactory()(settings).TestConnection(context.Background()) {
		t.Error("TestConnection() = true for a rejected key")
	}
}
