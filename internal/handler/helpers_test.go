package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/echochat/api/internal/auth"
	"github.com/echochat/api/internal/bus"
	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/event"
	"github.com/echochat/api/internal/linkpreview"
	"github.com/echochat/api/internal/membership"
	"github.com/echochat/api/internal/message"
	"github.com/echochat/api/internal/presence"
	"github.com/echochat/api/internal/receipt"
	"github.com/echochat/api/internal/testutil"
	"github.com/echochat/api/internal/thread"
	"github.com/echochat/api/internal/user"
	"github.com/echochat/api/internal/workspace"
)

// oracleTTL keeps grant caching short enough that tests asserting on
// revoked membership only need to outwait it.
const oracleTTL = 50 * time.Millisecond

// testEnv is a fully-wired Handler on an in-memory database, with a memory
// bus so tests can watch what gets published.
type testEnv struct {
	h   *Handler
	db  *sql.DB
	bus *bus.Memory
}

// expireGrants outwaits the oracle cache so revocations done outside the
// event path are visible.
func expireGrants() {
	time.Sleep(oracleTTL + 20*time.Millisecond)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.TestDB(t)
	b := bus.NewMemory()
	t.Cleanup(b.Close)

	users := user.NewRepository(db)
	workspaces := workspace.NewRepository(db)
	channels := channel.NewRepository(db)
	messages := message.NewRepository(db)
	receipts := receipt.NewRepository(db)
	threads := thread.NewRepository(db)
	previews := linkpreview.NewRepository(db)

	verifier := auth.NewVerifier([]byte("handler-test-secret"), time.Hour)
	events := event.NewRouter(b)

	oracle := membership.NewOracle(workspaces, channels, oracleTTL)
	if _, err := oracle.AttachInvalidator(b); err != nil {
		t.Fatalf("attaching invalidator: %v", err)
	}

	h := New(Dependencies{
		AuthService: auth.NewService(users, verifier, 4),
		Users:       users,
		Workspaces:  workspaces,
		Channels:    channels,
		Messages:    messages,
		Receipts:    receipts,
		Threads:     threads,
		Previews:    previews,
		Fetcher:     linkpreview.NewFetcher(previews),
		Oracle:      oracle,
		Events:      events,
		Presence:    presence.NewManager(events, presence.Options{}),
	})

	return &testEnv{h: h, db: db, bus: b}
}

// call invokes one handler func with chi URL params and an authenticated
// principal the way the router middleware would set them up.
func (e *testEnv) call(t *testing.T, fn http.HandlerFunc, userID, method, target string, body any, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		rdr = bytes.NewReader(data)
	}

	r := httptest.NewRequest(method, target, rdr)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	if userID != "" {
		ctx = auth.ContextWithPrincipal(ctx, &auth.Principal{
			UserID:    userID,
			ExpiresAt: time.Now().Add(time.Hour),
		})
	}

	w := httptest.NewRecorder()
	fn(w, r.WithContext(ctx))
	return w
}

type envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Code       string          `json:"code"`
	StatusCode int             `json:"statusCode"`
	Retryable  bool            `json:"retryable"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v\nbody: %s", err, w.Body.String())
	}
	return env
}

// decodeData unmarshals the success payload into dst.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	env := decodeEnvelope(t, w)
	if !env.Success {
		t.Fatalf("expected success envelope, got code %s: %s", env.Code, env.Message)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decoding data: %v\ndata: %s", err, env.Data)
	}
}

// wantError asserts an error envelope with the given status and code.
func wantError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if env.Success {
		t.Fatalf("expected error envelope, got success")
	}
	if env.Code != code {
		t.Errorf("code = %q, want %q", env.Code, code)
	}
	if env.StatusCode != status {
		t.Errorf("statusCode = %d, want %d", env.StatusCode, status)
	}
}

// capture subscribes to a topic before the action under test and hands back
// the event stream.
func (e *testEnv) capture(t *testing.T, topic string) <-chan *event.Envelope {
	t.Helper()
	ch := make(chan *event.Envelope, 16)
	sub, err := e.bus.Subscribe(topic, func(_ string, data []byte) {
		env, err := event.Decode(data)
		if err != nil {
			return
		}
		select {
		case ch <- env:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribing to %s: %v", topic, err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return ch
}

// waitEvent blocks until an event with the given name arrives, skipping
// others on the same topic.
func waitEvent(t *testing.T, ch <-chan *event.Envelope, name string) *event.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Name == name {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

// noEvent asserts nothing with the given name shows up within the window.
func noEvent(t *testing.T, ch <-chan *event.Envelope, name string) {
	t.Helper()
	timer := time.After(100 * time.Millisecond)
	for {
		select {
		case env := <-ch:
			if env.Name == name {
				t.Fatalf("unexpected %s event", name)
			}
		case <-timer:
			return
		}
	}
}

// registerUser creates an account through the API and returns the session.
func (e *testEnv) registerUser(t *testing.T, username string) *auth.Session {
	t.Helper()
	w := e.call(t, e.h.Register, "", http.MethodPost, "/api/auth/register", auth.RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "correct-horse",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Register status = %d, body %s", w.Code, w.Body.String())
	}
	var session auth.Session
	decodeData(t, w, &session)
	return &session
}
