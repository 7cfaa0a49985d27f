package backtesthttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"btlab/internal/backtest"
	"btlab/internal/market"
	"btlab/internal/repro"
	"btlab/internal/signalio"
	"btlab/internal/store/sqlite"

	"github.com/gin-gonic/gin"
)

// Server 提供模拟与评估相关的 HTTP API。
type Server struct {
	addr    string
	sim     *backtest.Simulator
	results *backtest.ResultStore
	signals *sqlite.SqliteStore
	loader  market.Loader
	router  *gin.Engine
}

// Config 描述 HTTP Server 的依赖。
type Config struct {
	Addr      string
	Simulator *backtest.Simulator
	Results   *backtest.ResultStore
	Signals   *sqlite.SqliteStore
	Loader    market.Loader
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Simulator == nil {
		return nil, errors.New("simulator 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	results := cfg.Results
	if results == nil {
		results = cfg.Simulator.Store()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:    cfg.Addr,
		sim:     cfg.Simulator,
		results: results,
		signals: cfg.Signals,
		loader:  cfg.Loader,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api/backtest")
	api.POST("/runs", s.handleRunStart)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/trades", s.handleRunTrades)
	api.GET("/runs/:id/equity", s.handleRunEquity)
	api.GET("/runs/:id/anomalies", s.handleRunAnomalies)

	eval := s.router.Group("/api/eval")
	eval.POST("/score", s.handleEvalScore)
	eval.GET("/evaluations", s.handleEvalList)

	sig := s.router.Group("/api/signals")
	sig.POST("/sets", s.handleSignalImport)
	sig.GET("/sets", s.handleSignalList)
}

// Handler 暴露路由，便于测试直接挂 httptest。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRunStart(c *gin.Context) {
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.sim.StartRun(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	trades, err := s.results.ListTrades(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5000"))
	curve, err := s.results.ListEquity(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity_curve": curve})
}

func (s *Server) handleRunAnomalies(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	anomalies, err := s.results.ListAnomalies(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
}

func (s *Server) handleEvalScore(c *gin.Context) {
	if s.signals == nil || s.loader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "评估依赖未启用"})
		return
	}
	var req struct {
		RunID         string `json:"run_id"`
		GeneratedSet  string `json:"generated_set" binding:"required"`
		PerfectSet    string `json:"perfect_set" binding:"required"`
		Symbol        string `json:"symbol" binding:"required"`
		Timeframe     string `json:"timeframe" binding:"required"`
		StartTS       int64  `json:"start_ts"`
		EndTS         int64  `json:"end_ts"`
		ToleranceBars int    `json:"tolerance_bars"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tf, err := backtest.ParseTimeframe(req.Timeframe)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	generated, err := s.signals.GetSignalSet(ctx, req.GeneratedSet)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	perfect, err := s.signals.GetPerfectSet(ctx, req.PerfectSet)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	candles, err := s.loader.Load(ctx, req.Symbol, req.Timeframe, req.StartTS, req.EndTS)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scorer, err := repro.NewScorer(req.ToleranceBars, tf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	eval := scorer.Score(generated, perfect, candles)
	id, err := s.signals.SaveEvaluation(ctx, req.RunID, req.GeneratedSet, req.PerfectSet, req.ToleranceBars, eval)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "evaluation": eval})
}

func (s *Server) handleEvalList(c *gin.Context) {
	if s.signals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "评估存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := s.signals.ListEvaluations(c.Request.Context(), c.Query("run_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": list})
}

func (s *Server) handleSignalImport(c *gin.Context) {
	if s.signals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "信号存储未启用"})
		return
	}
	var req struct {
		Name      string          `json:"name" binding:"required"`
		Symbol    string          `json:"symbol"`
		Timeframe string          `json:"timeframe"`
		Kind      string          `json:"kind" binding:"required"`
		Signals   json.RawMessage `json:"signals" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	switch req.Kind {
	case "generated":
		signals, err := signalio.ParseSignals(req.Signals)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.signals.SaveSignalSet(ctx, req.Name, req.Symbol, req.Timeframe, signals); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"name": req.Name, "count": len(signals)})
	case "perfect":
		signals, err := signalio.ParsePerfectSignals(req.Signals)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.signals.SavePerfectSet(ctx, req.Name, req.Symbol, req.Timeframe, signals); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"name": req.Name, "count": len(signals)})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind 必须是 generated 或 perfect"})
	}
}

func (s *Server) handleSignalList(c *gin.Context) {
	if s.signals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "信号存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sets, err := s.signals.ListSignalSets(c.Request.Context(), c.Query("kind"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sets": sets})
}

// Start 启动 HTTP 服务，ctx 取消时优雅退出。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
