package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/echojourney/internal/bot"
	"github.com/MrWong99/echojourney/internal/ledger"
	"github.com/MrWong99/echojourney/internal/observe"
	"github.com/MrWong99/echojourney/internal/review"
	"github.com/MrWong99/echojourney/internal/session"
	llmmock "github.com/MrWong99/echojourney/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/echojourney/pkg/provider/stt/mock"
)

type testServer struct {
	llm      *llmmock.Provider
	stt      *sttmock.Provider
	sessions *session.Manager
	url      string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	tpl, err := bot.DefaultTemplates()
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{llm: &llmmock.Provider{}, stt: &sttmock.Provider{}}
	ts.sessions, err = session.NewManager(session.Config{
		Templates: tpl,
		LLM:       ts.llm,
		STT:       ts.stt,
		Ledger:    ledger.New(ledger.NewFileStore(t.TempDir())),
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	NewHandler(ts.sessions).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.url+path, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var env Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitClosed(t *testing.T, m *session.Manager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(m.Sessions()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions still open: %v", m.Sessions())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTalk_Conversation(t *testing.T) {
	ts := newTestServer(t)
	ts.llm.Replies = append(ts.llm.Replies,
		llmmock.TextReply(`{"teacher":"好的","scene":"咖啡店","sentences":[["咖啡","你好"]]}`),
		llmmock.TextReply(`{"teacher":"请跟我读咖啡","skip":false,"change_scene":false}`),
	)
	ts.stt.Text = "hello"
	conn := ts.dial(t, "/ws/talk/s-1?platform=android&deviceId=dev-1")

	greeting := read(t, conn)
	if greeting.Type != TypeTutor || !strings.Contains(string(greeting.Payload), review.TopicQuestion) {
		t.Fatalf("greeting = %s %s", greeting.Type, greeting.Payload)
	}
	o, ok := ts.sessions.Get("s-1")
	if !ok {
		t.Fatal("session not registered")
	}
	if info := o.Info(); info.UserID != "dev-1" || info.Platform != "android" {
		t.Errorf("info = %+v", info)
	}

	write(t, conn, `{"type":"student_message","payload":{"text":"我想去咖啡店"}}`)

	if env := read(t, conn); !strings.Contains(string(env.Payload), `"text":"好的"`) {
		t.Errorf("scene reply = %s", env.Payload)
	}
	env := read(t, conn)
	if !strings.Contains(string(env.Payload), "请跟我读咖啡") || !strings.Contains(string(env.Payload), `"expected_messages"`) {
		t.Errorf("practice reply = %s", env.Payload)
	}
	if o.State() != session.StateInProgress {
		t.Errorf("state = %s", o.State())
	}

	// An unusable transcript is answered with the retry prompt.
	write(t, conn, `{"type":"audio_message","payload":{"audio":"d2VibQ=="}}`)
	if env := read(t, conn); !strings.Contains(string(env.Payload), session.DefaultMessages().Unheard) {
		t.Errorf("unheard reply = %s", env.Payload)
	}
	if n := ts.stt.CallCount(); n != 1 {
		t.Errorf("transcriptions = %d, want 1", n)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitClosed(t, ts.sessions)
}

func TestTalk_DefaultsUserToSession(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/talk/s-2")
	read(t, conn)
	o, ok := ts.sessions.Get("s-2")
	if !ok {
		t.Fatal("session not registered")
	}
	if info := o.Info(); info.UserID != "s-2" || info.Platform != "web" {
		t.Errorf("info = %+v", info)
	}
}

func TestTalk_BadPlatform(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, ts.url+"/ws/talk/s-1?platform=symbian", nil)
	if err == nil {
		t.Fatal("Dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("resp = %v", resp)
	}
}

func TestTalk_DuplicateSession(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/talk/s-1")
	read(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, ts.url+"/ws/talk/s-1", nil)
	if err == nil {
		t.Fatal("second Dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("resp = %v", resp)
	}
}

func TestTalk_UnknownFrameClosesConnection(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/talk/s-1")
	read(t, conn)

	write(t, conn, `{"type":"video_message","payload":{}}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusUnsupportedData {
		t.Errorf("close status = %v (err %v)", got, err)
	}
	waitClosed(t, ts.sessions)
}

func TestTalk_BotFailureKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	ts.llm.Replies = append(ts.llm.Replies,
		llmmock.TextReply("not json"),
		llmmock.TextReply(`{"teacher":"你想去哪里？"}`),
	)
	conn := ts.dial(t, "/ws/talk/s-1")
	read(t, conn)

	write(t, conn, `{"type":"student_message","payload":{"text":"你好"}}`)
	write(t, conn, `{"type":"student_message","payload":{"text":"你好"}}`)

	env := read(t, conn)
	if !strings.Contains(string(env.Payload), "你想去哪里？") {
		t.Errorf("reply = %s", env.Payload)
	}
}
