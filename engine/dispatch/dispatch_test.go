package dispatch

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func testRequest() mywant.AgentRequest {
	return mywant.AgentRequest{
		Want: &mywant.Want{
			Metadata: mywant.Metadata{ID: "want-1", Name: "job", Type: "task"},
			Spec:     mywant.WantSpec{Params: map[string]any{"count": 2}},
			State:    map[string]any{"done": 1},
		},
		Trigger:   mywant.TriggerTimer,
		AgentName: "task-agent",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		mode    Mode
		wantErr bool
	}{
		{"empty mode defaults to local", Config{}, ModeLocal, false},
		{"mixed case mode", Config{Mode: "Webhook", Webhook: WebhookConfig{ServiceURL: "http://agents:8080"}}, ModeWebhook, false},
		{"webhook missing url", Config{Mode: ModeWebhook}, ModeWebhook, true},
		{"webhook bad scheme", Config{Mode: ModeWebhook, Webhook: WebhookConfig{ServiceURL: "agents:8080"}}, ModeWebhook, true},
		{"grpc missing endpoint", Config{Mode: ModeGRPC}, ModeGRPC, true},
		{"grpc ok", Config{Mode: ModeGRPC, GRPC: GRPCConfig{Endpoint: "localhost:9000"}}, ModeGRPC, false},
		{"unknown", Config{Mode: "carrier-pigeon"}, "carrier-pigeon", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mode, tt.config.Mode)
		})
	}
}

func TestLocal_Lookup(t *testing.T) {
	l := NewLocal()
	l.Register("task", func(context.Context, mywant.AgentRequest) (mywant.AgentResult, error) {
		return mywant.AgentResult{Outcome: mywant.OutcomeProgress}, nil
	})
	l.Register("task-agent", func(context.Context, mywant.AgentRequest) (mywant.AgentResult, error) {
		return mywant.AgentResult{Outcome: mywant.OutcomeAchieved}, nil
	})
	assert.Equal(t, []string{"task", "task-agent"}, l.Names())

	res, err := l.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, mywant.OutcomeAchieved, res.Outcome)

	req := testRequest()
	req.AgentName = ""
	res, err = l.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, mywant.OutcomeProgress, res.Outcome, "falls back to the want type")

	req.Want.Metadata.Type = "other"
	_, err = l.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, mywant.ErrAgentUnavailable)
}

func TestLocal_PanicIsCrash(t *testing.T) {
	l := NewLocal()
	l.Register("task-agent", func(context.Context, mywant.AgentRequest) (mywant.AgentResult, error) {
		panic("boom")
	})
	_, err := l.Dispatch(context.Background(), testRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, mywant.ErrAgentUnavailable)
	assert.Contains(t, err.Error(), "boom")
}

func TestWebhook_Execute(t *testing.T) {
	var got ExecuteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ExecutePath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ExecuteResponse{
			Status:       "completed",
			StateUpdates: map[string]any{"done": 2},
		})
	}))
	defer server.Close()

	e := NewWebhook(WebhookConfig{ServiceURL: server.URL + "/", AuthToken: "secret", CallbackURL: "http://mywant/cb"})
	res, err := e.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, mywant.OutcomeAchieved, res.Outcome)
	assert.Equal(t, float64(2), res.StateUpdates["done"])

	assert.Equal(t, "want-1", got.WantID)
	assert.Equal(t, "task-agent", got.AgentName)
	assert.Equal(t, "execute", got.Operation)
	assert.Equal(t, "timer", got.Trigger)
	assert.Equal(t, "http://mywant/cb", got.CallbackURL)
	assert.Equal(t, float64(2), got.Params["count"])
}

func TestWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		code        int
		body        string
		outcome     mywant.Outcome
		unavailable bool
		wantErr     bool
	}{
		{"accepted running", http.StatusAccepted, `{"status":"running"}`, mywant.OutcomeProgress, false, false},
		{"failed", http.StatusOK, `{"status":"failed","error":"no seats"}`, mywant.OutcomeFailed, false, false},
		{"needs approval", http.StatusOK, `{"status":"needs_approval","prompt":"ok?"}`, mywant.OutcomeNeedsApproval, false, false},
		{"unknown status", http.StatusOK, `{"status":"exploded"}`, "", false, true},
		{"bad json", http.StatusOK, `{`, "", false, true},
		{"service unavailable", http.StatusServiceUnavailable, ``, "", true, true},
		{"bad gateway", http.StatusBadGateway, ``, "", true, true},
		{"server error", http.StatusInternalServerError, `oops`, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			res, err := NewWebhook(WebhookConfig{ServiceURL: server.URL}).Dispatch(context.Background(), testRequest())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.outcome, res.Outcome)
				return
			}
			require.Error(t, err)
			if tt.unavailable {
				assert.ErrorIs(t, err, mywant.ErrAgentUnavailable)
			} else {
				assert.NotErrorIs(t, err, mywant.ErrAgentUnavailable)
			}
		})
	}
}

func TestWebhook_ConnectionRefusedIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewWebhook(WebhookConfig{ServiceURL: url, TimeoutMs: 500}).Dispatch(context.Background(), testRequest())
	assert.ErrorIs(t, err, mywant.ErrAgentUnavailable)
}

// fakeAgentServer answers Execute according to its want type.
type fakeAgentServer struct {
	last map[string]any
}

func (f *fakeAgentServer) Execute(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.last = req.AsMap()
	switch f.last["want_type"] {
	case "down":
		return nil, status.Error(codes.Unavailable, "agent pool drained")
	case "broken":
		return nil, status.Error(codes.Internal, "nil pointer")
	}
	return structpb.NewStruct(map[string]any{
		"status":        "completed",
		"state_updates": map[string]any{"booked": true},
	})
}

func createTestGRPCDispatcher(t *testing.T, srv AgentServer) *GRPC {
	lis := bufconn.Listen(1024 * 1024)
	s := grpc.NewServer()
	RegisterAgentServer(s, srv)
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.Stop)

	g, err := NewGRPC(GRPCConfig{Endpoint: "passthrough:///bufnet", TimeoutMs: 2000},
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGRPC_Execute(t *testing.T) {
	srv := &fakeAgentServer{}
	g := createTestGRPCDispatcher(t, srv)

	res, err := g.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, mywant.OutcomeAchieved, res.Outcome)
	assert.Equal(t, true, res.StateUpdates["booked"])
	assert.Equal(t, "want-1", srv.last["want_id"])
	assert.Equal(t, "task-agent", srv.last["agent_name"])
}

func TestGRPC_ErrorCodes(t *testing.T) {
	g := createTestGRPCDispatcher(t, &fakeAgentServer{})

	req := testRequest()
	req.Want.Metadata.Type = "down"
	_, err := g.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, mywant.ErrAgentUnavailable)

	req.Want.Metadata.Type = "broken"
	_, err = g.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, mywant.ErrAgentUnavailable)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestNew_SelectsDispatcher(t *testing.T) {
	local := NewLocal()
	d, err := New(Config{}, local)
	require.NoError(t, err)
	assert.Same(t, local, d)

	_, err = New(Config{}, nil)
	assert.Error(t, err)

	d, err = New(Config{Mode: ModeWebhook, Webhook: WebhookConfig{ServiceURL: "http://agents"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Webhook{}, d)

	d, err = New(Config{Mode: ModeGRPC, GRPC: GRPCConfig{Endpoint: "localhost:1"}}, nil)
	require.NoError(t, err)
	require.IsType(t, &GRPC{}, d)
	assert.NoError(t, d.(*GRPC).Close())
}

func TestWebhook_DrivesEngine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ExecuteResponse{Status: "completed", StateUpdates: map[string]any{"via": "webhook"}})
	}))
	defer server.Close()

	e, err := mywant.NewEngine(mywant.EngineConfig{Dispatcher: NewWebhook(WebhookConfig{ServiceURL: server.URL})})
	require.NoError(t, err)
	require.NoError(t, e.Types.Register(mywant.WantTypeDefinition{Metadata: mywant.WantTypeMetadata{Name: "task"}}))
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() {
		cancel()
		e.Reconciler.Wait()
	}()

	w, err := e.CreateWant(&mywant.Want{Metadata: mywant.Metadata{Name: "job", Type: "task"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := e.Store.Get(w.Metadata.ID)
		return err == nil && got.Status == mywant.WantStatusAchieved
	}, 2*time.Second, 5*time.Millisecond)
	got, _ := e.Store.Get(w.Metadata.ID)
	assert.Equal(t, "webhook", got.State["via"])
}
