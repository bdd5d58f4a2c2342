package action

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/autoflow/model"
)

func request(actionType string, config map[string]any, input map[string]any) Request {
	ec := model.NewExecutionContext(input)
	return Request{
		State: model.WorkflowState{
			ID:           "step",
			WorkflowID:   "wf",
			StateType:    model.StateTypeAction,
			ActionType:   actionType,
			ActionConfig: config,
		},
		Instance: model.WorkflowInstance{
			ID:         "inst-1",
			WorkflowID: "wf",
			Status:     model.InstanceStatusRunning,
			Context:    ec,
			InputData:  input,
		},
	}
}

type stubAI struct {
	got  AIRequest
	resp AIResponse
	err  error
}

func (s *stubAI) Complete(_ context.Context, req AIRequest) (AIResponse, error) {
	s.got = req
	return s.resp, s.err
}

func TestDispatch_noop(t *testing.T) {
	d := NewDispatcher()

	out, err := d.Dispatch(context.Background(), request("", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, true, out["executed"])
	assert.Equal(t, "", out["action_type"])

	out, err = d.Dispatch(context.Background(), request("send_carrier_pigeon", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "send_carrier_pigeon", out["action_type"])
}

func TestDispatch_transform(t *testing.T) {
	d := NewDispatcher()
	req := request(model.ActionTransform, map[string]any{
		"mappings": map[string]any{
			"doubled": "variables.value",
			"missing": "variables.nope",
		},
	}, map[string]any{"value": 21})

	out, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 21, out["doubled"])
	_, present := out["missing"]
	assert.False(t, present, "unresolved paths are omitted")
}

func TestDispatch_delay(t *testing.T) {
	d := NewDispatcher()
	req := request(model.ActionDelay, map[string]any{"delay_seconds": 0.01}, nil)

	start := time.Now()
	out, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 0.01, out["delayed_seconds"])
}

func TestDispatch_delayCancelled(t *testing.T) {
	d := NewDispatcher()
	req := request(model.ActionDelay, map[string]any{"delay_seconds": 30}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Dispatch(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatch_invalidConfigIsPermanent(t *testing.T) {
	d := NewDispatcher()

	_, err := d.Dispatch(context.Background(), request(model.ActionHTTPRequest, map[string]any{}, nil))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestDispatch_httpRequest(t *testing.T) {
	var gotMethod, gotAuth, gotBody, gotTraceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotTraceparent = r.Header.Get("Traceparent")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count": 3, "items": ["a", "b", "c"]}`))
	}))
	defer srv.Close()

	d := NewDispatcher(WithHTTPClient(srv.Client()))
	req := request(model.ActionHTTPRequest, map[string]any{
		"url":     srv.URL + "/tickets/{{ ticket }}",
		"method":  "post",
		"headers": map[string]any{"Authorization": "Bearer {{ token }}"},
		"body":    map[string]any{"ticket": "{{ ticket }}", "fixed": 1},
	}, map[string]any{"ticket": "T-9", "token": "abc"})

	out, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Empty(t, gotTraceparent, "no active span means no propagation header")

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(gotBody), &body))
	assert.Equal(t, "T-9", body["ticket"])
	assert.EqualValues(t, 1, body["fixed"])

	assert.Equal(t, http.StatusOK, out["status"])
	data, ok := out["data"].(map[string]any)
	require.True(t, ok, "json responses are decoded")
	assert.EqualValues(t, 3, data["count"])
}

func TestDispatch_httpRequestNon2xxIsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such ticket"))
	}))
	defer srv.Close()

	d := NewDispatcher(WithHTTPClient(srv.Client()))
	out, err := d.Dispatch(context.Background(), request(model.ActionHTTPRequest, map[string]any{"url": srv.URL}, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, out["status"])
	assert.Equal(t, "no such ticket", out["data"])
}

func TestDispatch_httpRequestBreakerOpens(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDispatcher(
		WithHTTPClient(srv.Client()),
		WithBreakers(NewBreakerSet(2, time.Minute)),
	)
	req := request(model.ActionHTTPRequest, map[string]any{"url": srv.URL}, nil)

	for i := 0; i < 2; i++ {
		out, err := d.Dispatch(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, out["status"])
	}

	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 2, calls)
}

func TestDispatch_httpRequestRejectsBadURL(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch(context.Background(), request(model.ActionHTTPRequest, map[string]any{"url": "ftp://example.com/x"}, nil))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestDispatch_aiTask(t *testing.T) {
	ai := &stubAI{resp: AIResponse{Text: "three tickets are urgent", Model: "small"}}
	d := NewDispatcher(WithAIClient(ai))

	req := request(model.ActionAITask, map[string]any{
		"prompt": "Summarise {{ task_count }} tickets",
	}, map[string]any{"task_count": 3})

	out, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Summarise 3 tickets", ai.got.Prompt)
	assert.Equal(t, model.ActionAITask, out["type"])
	assert.Equal(t, "Summarise 3 tickets", out["prompt"])
	assert.Equal(t, "small", out["model"])
	assert.Equal(t, "three tickets are urgent", out["response"])
}

func TestDispatch_aiTaskWithoutClient(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch(context.Background(), request(model.ActionAITask, map[string]any{"prompt": "hi"}, nil))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestDispatch_aiTaskProviderError(t *testing.T) {
	d := NewDispatcher(WithAIClient(&stubAI{err: errors.New("overloaded")}))
	_, err := d.Dispatch(context.Background(), request(model.ActionAITask, map[string]any{"prompt": "hi"}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
	assert.False(t, IsPermanent(err))
}

func TestDispatch_code(t *testing.T) {
	d := NewDispatcher()
	req := request(model.ActionCode, map[string]any{
		"code": "return { doubled: context.variables.value * 2, source: input.source };",
	}, map[string]any{"value": 21, "source": "api"})

	out, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	result, ok := out["result"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, result["doubled"])
	assert.Equal(t, "api", result["source"])
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("bad config")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
