// Package server exposes the engine over a minimal HTTP surface: one
// streaming completion endpoint, an abort endpoint, health and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pagedserve/pagedserve/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server runs the engine loop and the HTTP listener together.
type Server struct {
	engine   *core.Engine
	registry *prometheus.Registry
	http     *http.Server
}

// New wires the router. The engine is not started until Run.
func New(engine *core.Engine, addr string) *Server {
	s := &Server{
		engine:   engine,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(newEngineCollector(engine))

	r := mux.NewRouter()
	r.HandleFunc("/v1/completions", s.handleCompletion).Methods(http.MethodPost)
	r.HandleFunc("/v1/completions/{id}", s.handleAbort).Methods(http.MethodDelete)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until the context ends, then shuts the listener down and lets
// the engine drain.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.engine.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logrus.Infof("listening on %s", s.http.Addr)
		err := s.http.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// completionRequest is the inbound JSON body.
type completionRequest struct {
	RequestID      string              `json:"request_id"`
	PromptTokenIDs []int               `json:"prompt_token_ids"`
	SamplingParams core.SamplingParams `json:"sampling_params"`
}

// handleCompletion submits the request and streams its events back as
// newline-delimited JSON. A client disconnect aborts the request.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := &core.Request{
		ID:             body.RequestID,
		PromptTokenIDs: body.PromptTokenIDs,
		Params:         body.SamplingParams,
		ArrivalTime:    time.Now(),
	}
	events, err := s.engine.Submit(req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, core.ErrEngineClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Request-Id", req.ID)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				s.engine.Abort(req.ID)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			s.engine.Abort(req.ID)
			// Drain so the engine can close the stream.
			for range events {
			}
			return
		}
	}
}

// handleAbort cancels a request by id. Always 202: aborting an unknown or
// finished request is a no-op.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.engine.Abort(id)
	w.WriteHeader(http.StatusAccepted)
}

// engineCollector exports the engine counters to Prometheus.
type engineCollector struct {
	engine *core.Engine

	steps      *prometheus.Desc
	completed  *prometheus.Desc
	ignored    *prometheus.Desc
	inTokens   *prometheus.Desc
	outTokens  *prometheus.Desc
	recomputes *prometheus.Desc
	swapOuts   *prometheus.Desc
	swapIns    *prometheus.Desc
	exhausted  *prometheus.Desc
	aborted    *prometheus.Desc
	peakBlocks *prometheus.Desc
}

func newEngineCollector(engine *core.Engine) *engineCollector {
	return &engineCollector{
		engine:     engine,
		steps:      prometheus.NewDesc("pagedserve_steps_total", "Forward passes driven", nil, nil),
		completed:  prometheus.NewDesc("pagedserve_completed_requests_total", "Requests finished", nil, nil),
		ignored:    prometheus.NewDesc("pagedserve_ignored_requests_total", "Requests rejected at admission", nil, nil),
		inTokens:   prometheus.NewDesc("pagedserve_input_tokens_total", "Prompt tokens accepted", nil, nil),
		outTokens:  prometheus.NewDesc("pagedserve_output_tokens_total", "Tokens generated", nil, nil),
		recomputes: prometheus.NewDesc("pagedserve_preempt_recompute_total", "Preemptions resolved by recompute", nil, nil),
		swapOuts:   prometheus.NewDesc("pagedserve_swap_out_total", "Group swap-outs to host memory", nil, nil),
		swapIns:    prometheus.NewDesc("pagedserve_swap_in_total", "Group swap-ins from host memory", nil, nil),
		exhausted:  prometheus.NewDesc("pagedserve_exhausted_total", "Victims neither pool could hold", nil, nil),
		aborted:    prometheus.NewDesc("pagedserve_aborted_total", "Requests aborted by the client or by a model error", nil, nil),
		peakBlocks: prometheus.NewDesc("pagedserve_peak_gpu_blocks", "High-water mark of allocated gpu blocks", nil, nil),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.steps
	ch <- c.completed
	ch <- c.ignored
	ch <- c.inTokens
	ch <- c.outTokens
	ch <- c.recomputes
	ch <- c.swapOuts
	ch <- c.swapIns
	ch <- c.exhausted
	ch <- c.aborted
	ch <- c.peakBlocks
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Metrics().Snapshot()
	ch <- prometheus.MustNewConstMetric(c.steps, prometheus.CounterValue, float64(s.Steps))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.CompletedRequests))
	ch <- prometheus.MustNewConstMetric(c.ignored, prometheus.CounterValue, float64(s.IgnoredRequests))
	ch <- prometheus.MustNewConstMetric(c.inTokens, prometheus.CounterValue, float64(s.TotalInputTokens))
	ch <- prometheus.MustNewConstMetric(c.outTokens, prometheus.CounterValue, float64(s.TotalOutputTokens))
	ch <- prometheus.MustNewConstMetric(c.recomputes, prometheus.CounterValue, float64(s.Recomputes))
	ch <- prometheus.MustNewConstMetric(c.swapOuts, prometheus.CounterValue, float64(s.SwapOuts))
	ch <- prometheus.MustNewConstMetric(c.swapIns, prometheus.CounterValue, float64(s.SwapIns))
	ch <- prometheus.MustNewConstMetric(c.exhausted, prometheus.CounterValue, float64(s.Exhausted))
	ch <- prometheus.MustNewConstMetric(c.aborted, prometheus.CounterValue, float64(s.Aborted))
	ch <- prometheus.MustNewConstMetric(c.peakBlocks, prometheus.GaugeValue, float64(s.PeakBlocksUsed))
}
