package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/logger"
	"github.com/samcharles93/fmha/internal/tensor"
)

type Server struct {
	engine   *Engine
	sessions *SessionStore
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(engine *Engine, sessions *SessionStore) *Server {
	if sessions == nil {
		sessions = NewSessionStore()
	}
	return &Server{
		engine:   engine,
		sessions: sessions,
		log:      engine.log,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/attention", s.handleAttention)

	// Incremental decode on a shared-buffer cache
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.POST("/v1/sessions/:id/step", s.handleStep)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)

	e.GET("/v1/runners", s.handleRunners)
	e.GET("/v1/device", s.handleDevice)
	e.GET("/metrics", s.handleMetrics)
}

func (s *Server) handleAttention(c *echo.Context) error {
	req, err := decodeJSON[AttentionRequest](c.Request().Body)
	if err != nil {
		return writeEngineError(c, err)
	}
	opts, err := req.options()
	if err != nil {
		return writeEngineError(c, err)
	}
	in, err := req.inputs(opts.DType)
	if err != nil {
		return writeEngineError(c, err)
	}
	if err := c.Request().Context().Err(); err != nil {
		return err
	}

	node, stream, err := s.engine.newNode(opts)
	if err != nil {
		return writeEngineError(c, err)
	}
	defer func() { _ = stream.Destroy() }()

	out, err := node.Run(in)
	if err != nil {
		s.log.Warn("attention call failed", "error", err)
		return writeEngineError(c, err)
	}
	return writeJSON(c, http.StatusOK, AttentionResponse{
		Output:    wireTensor(out.Output),
		Params:    out.Params,
		Selection: out.Selection,
		Workspace: out.Workspace,
	})
}

func (r AttentionRequest) inputs(dt tensor.DType) (attention.Inputs, error) {
	var (
		in  attention.Inputs
		err error
	)
	if in.Input, err = r.Input.build("input", dt, r.Seed, 0); err != nil {
		return in, err
	}
	if in.Weights, err = r.Weights.build("weights", dt, r.Seed, 1); err != nil {
		return in, err
	}
	if in.Bias, err = r.Bias.build("bias", dt, r.Seed, 2); err != nil {
		return in, err
	}
	if in.Mask, err = r.Mask.build("mask"); err != nil {
		return in, err
	}
	if r.ExtraBias != nil {
		if in.ExtraBias, err = r.ExtraBias.build("extra_bias", dt, r.Seed, 3); err != nil {
			return in, err
		}
	}
	return in, nil
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req, err := decodeJSON[SessionRequest](c.Request().Body)
	if err != nil {
		return writeEngineError(c, err)
	}
	if req.MaxSequenceLength <= 0 {
		return writeBadRequest(c, "max_sequence_length must be positive")
	}
	opts, err := req.options()
	if err != nil {
		return writeEngineError(c, err)
	}
	opts.Cache = attention.CacheSharedBuffer
	opts.MaxSequenceLength = req.MaxSequenceLength

	weights, err := req.Weights.build("weights", opts.DType, req.Seed, 1)
	if err != nil {
		return writeEngineError(c, err)
	}
	bias, err := req.Bias.build("bias", opts.DType, req.Seed, 2)
	if err != nil {
		return writeEngineError(c, err)
	}
	if weights.Rank() != 2 {
		return writeEngineError(c, newInvalidRequest(fmt.Sprintf("weights: expected [input_hidden, q+k+v], got %s", weights.ShapeString())))
	}

	node, stream, err := s.engine.newNode(opts)
	if err != nil {
		return writeEngineError(c, err)
	}
	sess := &session{
		createdAt: s.clock(),
		node:      node,
		stream:    stream,
		weights:   weights,
		bias:      bias,
		maxSeqLen: req.MaxSequenceLength,
	}
	s.sessions.add(sess)
	s.log.Info("session created", "session", sess.id, "heads", opts.NumHeads, "max_sequence_length", opts.MaxSequenceLength)
	return writeJSON(c, http.StatusOK, sess.describe())
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return writeJSON(c, http.StatusOK, sess.describe())
}

func (s *Server) handleStep(c *echo.Context) error {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[StepRequest](c.Request().Body)
	if err != nil {
		return writeEngineError(c, err)
	}
	input, err := req.Input.build("input", sess.weights.DType(), req.Seed, 0)
	if err != nil {
		return writeEngineError(c, err)
	}
	mask, err := req.Mask.build("mask")
	if err != nil {
		return writeEngineError(c, err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return writeNotFound(c, "session not found")
	}
	in := attention.Inputs{
		Input:   input,
		Weights: sess.weights,
		Bias:    sess.bias,
		Mask:    mask,
		Past:    sess.cache,
	}
	if sess.cache != nil {
		pastLen, err := tensor.FromInt32([]int32{int32(sess.past)}, 1)
		if err != nil {
			return err
		}
		in.PastSequenceLength = pastLen
	}
	out, err := sess.node.Run(in)
	if err != nil {
		s.log.Warn("session step failed", "session", sess.id, "error", err)
		return writeEngineError(c, err)
	}
	sess.cache = out.Present
	sess.past = out.Params.TotalSequenceLength
	sess.steps++
	return writeJSON(c, http.StatusOK, StepResponse{
		Output:              wireTensor(out.Output),
		PastSequenceLength:  out.Params.PastSequenceLength,
		TotalSequenceLength: out.Params.TotalSequenceLength,
		Selection:           out.Selection,
		Workspace:           out.Workspace,
	})
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.sessions.Delete(id) {
		return writeNotFound(c, "session not found")
	}
	s.log.Info("session deleted", "session", id)
	return writeJSON(c, http.StatusOK, DeleteSessionResponse{
		ID:      id,
		Object:  "session",
		Deleted: true,
	})
}

func (s *Server) handleRunners(c *echo.Context) error {
	reg := s.engine.Registry()
	return writeJSON(c, http.StatusOK, RunnersResponse{
		Object: "list",
		Data:   reg.Snapshot(),
		Builds: reg.Constructions(),
	})
}

func (s *Server) handleDevice(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, DeviceResponse{
		Device:  s.engine.Device(),
		Presets: device.Presets(),
		Flags:   s.engine.Flags(),
		Arena:   s.engine.Arena().Stats(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	promhttp.HandlerFor(s.engine.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP(c.Response(), c.Request())
	return nil
}
