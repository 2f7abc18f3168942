package api

import (
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/fmha"
)

func newTestEcho(t *testing.T) (*echo.Echo, *Server) {
	t.Helper()
	props, err := device.Lookup("sm80")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	engine := NewEngine(EngineConfig{Device: props, Kernels: fmha.Kernels{}})
	server := NewServer(engine, nil)
	t.Cleanup(server.sessions.Close)
	e := echo.New()
	server.Register(e)
	return e, server
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

type wireSelection struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type attentionBody struct {
	Output    FloatTensor   `json:"output"`
	Selection wireSelection `json:"selection"`
	Workspace int           `json:"workspace_bytes"`
}

type stepBody struct {
	Output              FloatTensor   `json:"output"`
	PastSequenceLength  int           `json:"past_sequence_length"`
	TotalSequenceLength int           `json:"total_sequence_length"`
	Selection           wireSelection `json:"selection"`
}

func TestAttentionFusedWithSeededInputs(t *testing.T) {
	t.Parallel()
	e, server := newTestEcho(t)

	body := `{"num_heads":2,"seed":7,"input":{"shape":[2,8,16]},"weights":{"shape":[16,96]},"bias":{"shape":[96]}}`
	rec := doJSON(t, e, http.MethodPost, "/v1/attention", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decodeBody[attentionBody](t, rec)
	if want := []int{2, 8, 32}; fmt.Sprint(got.Output.Shape) != fmt.Sprint(want) {
		t.Fatalf("output shape: got %v want %v", got.Output.Shape, want)
	}
	if len(got.Output.Data) != 2*8*32 {
		t.Fatalf("output data: got %d values", len(got.Output.Data))
	}
	if got.Selection.Path != "fused" {
		t.Fatalf("path: got %q (%s)", got.Selection.Path, got.Selection.Reason)
	}
	if got.Workspace <= 0 {
		t.Fatalf("workspace: got %d", got.Workspace)
	}

	runners := doJSON(t, e, http.MethodGet, "/v1/runners", "")
	if runners.Code != http.StatusOK {
		t.Fatalf("runners status: got %d", runners.Code)
	}
	list := decodeBody[RunnersResponse](t, runners)
	if list.Builds != 1 || len(list.Data) != 1 || !list.Data[0].Ready {
		t.Fatalf("runners: got %+v", list)
	}
	if server.engine.Arena().Stats().InUse != 0 {
		t.Fatalf("scratch still in use after the call")
	}
}

func TestAttentionErrors(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	cases := []struct {
		name     string
		body     string
		status   int
		errType  string
		errParam string
	}{
		{
			name:    "malformed",
			body:    `{"num_heads":`,
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
		},
		{
			name:    "unknown field",
			body:    `{"num_heads":2,"heads":2}`,
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
		},
		{
			name:    "data without seed",
			body:    `{"num_heads":2,"input":{"shape":[1,2,4]},"weights":{"shape":[4,24]},"bias":{"shape":[24]}}`,
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
		},
		{
			name:    "data length",
			body:    `{"num_heads":1,"input":{"shape":[1,1,2],"data":[1]},"weights":{"shape":[2,3],"data":[1,2,3,4,5,6]},"bias":{"shape":[3],"data":[0,0,0]}}`,
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
		},
		{
			name:    "precision",
			body:    `{"num_heads":2,"precision":"int32","seed":1,"input":{"shape":[1,2,4]},"weights":{"shape":[4,24]},"bias":{"shape":[24]}}`,
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
		},
		{
			name:     "heads do not divide hidden",
			body:     `{"num_heads":3,"seed":1,"input":{"shape":[1,2,4]},"weights":{"shape":[4,24]},"bias":{"shape":[24]}}`,
			status:   http.StatusBadRequest,
			errType:  "invalid_input_error",
			errParam: "qkv_hidden_sizes",
		},
		{
			name:     "mask shape",
			body:     `{"num_heads":2,"seed":1,"input":{"shape":[1,2,4]},"weights":{"shape":[4,24]},"bias":{"shape":[24]},"mask":{"shape":[3],"data":[1,1,1]}}`,
			status:   http.StatusBadRequest,
			errType:  "invalid_input_error",
			errParam: "mask",
		},
		{
			name:    "huge generated tensor",
			body:    `{"num_heads":2,"seed":1,"input":{"shape":[100000,100000,4]},"weights":{"shape":[4,24]},"bias":{"shape":[24]}}`,
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, e, http.MethodPost, "/v1/attention", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status: got %d want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			got := decodeBody[ErrorBody](t, rec)
			if got.Error.Type != tc.errType {
				t.Fatalf("error type: got %q want %q (%s)", got.Error.Type, tc.errType, got.Error.Message)
			}
			if got.Error.Param != tc.errParam {
				t.Fatalf("error param: got %q want %q", got.Error.Param, tc.errParam)
			}
		})
	}
}

// sequence returns n deterministic values in (-1, 1).
func sequence(n int, phase float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i)*0.37 + phase))
	}
	return out
}

func floats(values []float32) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestSessionMatchesCausalCall(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	const dIn, width = 4, 24
	weights := floats(sequence(dIn*width, 0.1))
	bias := floats(sequence(width, 0.2))
	tokens := sequence(3*dIn, 0.3)
	spec := `"num_heads":2,"unidirectional":true,"precision":"f32"`

	create := doJSON(t, e, http.MethodPost, "/v1/sessions",
		fmt.Sprintf(`{%s,"max_sequence_length":4,"weights":{"shape":[%d,%d],"data":%s},"bias":{"shape":[%d],"data":%s}}`,
			spec, dIn, width, weights, width, bias))
	if create.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", create.Code, create.Body.String())
	}
	sess := decodeBody[SessionResponse](t, create)
	if sess.ID == "" || sess.MaxSequenceLength != 4 || sess.InputHiddenSize != dIn {
		t.Fatalf("session: got %+v", sess)
	}

	var last stepBody
	for i := range 3 {
		rec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+sess.ID+"/step",
			fmt.Sprintf(`{"input":{"shape":[1,1,%d],"data":%s}}`, dIn, floats(tokens[i*dIn:(i+1)*dIn])))
		if rec.Code != http.StatusOK {
			t.Fatalf("step %d status: got %d body=%s", i, rec.Code, rec.Body.String())
		}
		last = decodeBody[stepBody](t, rec)
		if last.PastSequenceLength != i || last.TotalSequenceLength != i+1 {
			t.Fatalf("step %d lengths: got past=%d total=%d", i, last.PastSequenceLength, last.TotalSequenceLength)
		}
	}

	full := doJSON(t, e, http.MethodPost, "/v1/attention",
		fmt.Sprintf(`{%s,"input":{"shape":[1,3,%d],"data":%s},"weights":{"shape":[%d,%d],"data":%s},"bias":{"shape":[%d],"data":%s}}`,
			spec, dIn, floats(tokens), dIn, width, weights, width, bias))
	if full.Code != http.StatusOK {
		t.Fatalf("full status: got %d body=%s", full.Code, full.Body.String())
	}
	want := decodeBody[attentionBody](t, full).Output.Data[2*8:]
	for i, w := range want {
		if math.Abs(float64(w-last.Output.Data[i])) > 1e-5 {
			t.Fatalf("value %d: step %v, full call %v", i, last.Output.Data[i], w)
		}
	}

	info := doJSON(t, e, http.MethodGet, "/v1/sessions/"+sess.ID, "")
	if got := decodeBody[SessionResponse](t, info); got.Steps != 3 || got.PastSequenceLength != 3 {
		t.Fatalf("session info: got %+v", got)
	}

	// Two more tokens would overrun the four-position buffer.
	over := doJSON(t, e, http.MethodPost, "/v1/sessions/"+sess.ID+"/step",
		fmt.Sprintf(`{"input":{"shape":[1,2,%d],"data":%s}}`, dIn, floats(sequence(2*dIn, 0.4))))
	if over.Code != http.StatusBadRequest {
		t.Fatalf("overrun status: got %d body=%s", over.Code, over.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	e, server := newTestEcho(t)

	create := doJSON(t, e, http.MethodPost, "/v1/sessions",
		`{"num_heads":2,"max_sequence_length":8,"seed":3,"weights":{"shape":[4,24]},"bias":{"shape":[24]}}`)
	if create.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", create.Code, create.Body.String())
	}
	id := decodeBody[SessionResponse](t, create).ID
	if server.sessions.Len() != 1 {
		t.Fatalf("sessions: got %d", server.sessions.Len())
	}

	step := doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/step", `{"seed":5,"input":{"shape":[1,2,4]}}`)
	if step.Code != http.StatusOK {
		t.Fatalf("step status: got %d body=%s", step.Code, step.Body.String())
	}

	del := doJSON(t, e, http.MethodDelete, "/v1/sessions/"+id, "")
	if del.Code != http.StatusOK {
		t.Fatalf("delete status: got %d", del.Code)
	}
	if got := decodeBody[DeleteSessionResponse](t, del); !got.Deleted || got.ID != id {
		t.Fatalf("delete body: got %+v", got)
	}
	for _, rec := range []*httptest.ResponseRecorder{
		doJSON(t, e, http.MethodDelete, "/v1/sessions/"+id, ""),
		doJSON(t, e, http.MethodGet, "/v1/sessions/"+id, ""),
		doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/step", `{"seed":5,"input":{"shape":[1,1,4]}}`),
	} {
		if rec.Code != http.StatusNotFound {
			t.Fatalf("after delete: got %d body=%s", rec.Code, rec.Body.String())
		}
	}
}

func TestSessionRejectsMismatchedValueHeads(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	create := doJSON(t, e, http.MethodPost, "/v1/sessions",
		`{"num_heads":2,"qkv_hidden_sizes":[8,8,16],"max_sequence_length":4,"seed":3,"weights":{"shape":[4,32]},"bias":{"shape":[32]}}`)
	if create.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", create.Code, create.Body.String())
	}
	id := decodeBody[SessionResponse](t, create).ID
	step := doJSON(t, e, http.MethodPost, "/v1/sessions/"+id+"/step", `{"seed":5,"input":{"shape":[1,1,4]}}`)
	if step.Code != http.StatusUnprocessableEntity {
		t.Fatalf("step status: got %d body=%s", step.Code, step.Body.String())
	}
	if got := decodeBody[ErrorBody](t, step); got.Error.Type != "unsupported_configuration_error" {
		t.Fatalf("error type: got %q", got.Error.Type)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	for _, body := range []string{
		`{"num_heads":2,"seed":3,"weights":{"shape":[4,24]},"bias":{"shape":[24]}}`,
		`{"num_heads":2,"max_sequence_length":4,"seed":3,"weights":{"shape":[96]},"bias":{"shape":[24]}}`,
		`{"num_heads":0,"max_sequence_length":4,"seed":3,"weights":{"shape":[4,24]},"bias":{"shape":[24]}}`,
	} {
		rec := doJSON(t, e, http.MethodPost, "/v1/sessions", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d body=%s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestDeviceAndMetrics(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	rec := doJSON(t, e, http.MethodGet, "/v1/device", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("device status: got %d", rec.Code)
	}
	dev := decodeBody[DeviceResponse](t, rec)
	if dev.Device.Name != "sm80" || len(dev.Presets) == 0 {
		t.Fatalf("device: got %+v", dev)
	}

	call := doJSON(t, e, http.MethodPost, "/v1/attention",
		`{"num_heads":2,"precision":"f32","seed":1,"input":{"shape":[1,2,4]},"weights":{"shape":[4,24]},"bias":{"shape":[24]}}`)
	if call.Code != http.StatusOK {
		t.Fatalf("call status: got %d body=%s", call.Code, call.Body.String())
	}

	metrics := doJSON(t, e, http.MethodGet, "/metrics", "")
	if metrics.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", metrics.Code)
	}
	text := metrics.Body.String()
	for _, name := range []string{`fmha_attention_calls_total{path="generic"} 1`, "fmha_arena_in_use_bytes", "go_goroutines"} {
		if !strings.Contains(text, name) {
			t.Fatalf("metrics missing %q", name)
		}
	}
}
