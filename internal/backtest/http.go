package backtest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"backplay/internal/logger"
)

// HTTPServer 提供 Gin 接口：提交回测、查询进度与结果。
type HTTPServer struct {
	addr    string
	svc     *Service
	results *ResultStore
	router  *gin.Engine
	srv     *http.Server
}

// HTTPConfig 装配 HTTP 服务。
type HTTPConfig struct {
	Addr    string
	Svc     *Service
	Results *ResultStore
}

// NewHTTPServer 创建 HTTP 服务。
func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if cfg.Results == nil {
		return nil, errors.New("result store 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &HTTPServer{
		addr:    cfg.Addr,
		svc:     cfg.Svc,
		results: cfg.Results,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *HTTPServer) registerRoutes() {
	api := s.router.Group("/api/backtest")
	api.GET("/plays", s.handlePlays)
	api.GET("/data", s.handleManifest)
	api.POST("/runs", s.handleRunStart)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/orders", s.handleRunOrders)
	api.GET("/runs/:id/positions", s.handleRunPositions)
	api.GET("/runs/:id/equity", s.handleRunEquity)
	api.GET("/runs/:id/stat", s.handleRunStat)
	api.DELETE("/runs/:id", s.handleRunDelete)
}

// Start 阻塞运行直到 ctx 取消。
func (s *HTTPServer) Start(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[http] 回测接口监听 %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.srv.Shutdown(context.Background())
	}
}

func (s *HTTPServer) handlePlays(c *gin.Context) {
	names := s.svc.PlayNames()
	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		doc, ok := s.svc.Play(name)
		if !ok {
			continue
		}
		out = append(out, gin.H{
			"name":       doc.Name,
			"symbol":     doc.Symbol,
			"timeframes": doc.Timeframes,
			"actions":    len(doc.Actions),
		})
	}
	c.JSON(http.StatusOK, gin.H{"plays": out})
}

func (s *HTTPServer) handleManifest(c *gin.Context) {
	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")
	if symbol == "" || timeframe == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 symbol 或 timeframe 参数"})
		return
	}
	manifest, err := s.svc.Manifest(c.Request.Context(), symbol, timeframe)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, manifest)
}

func (s *HTTPServer) handleRunStart(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.svc.SubmitRun(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *HTTPServer) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.svc.Runs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *HTTPServer) handleRunDetail(c *gin.Context) {
	run, err := s.svc.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *HTTPServer) handleRunOrders(c *gin.Context) {
	orders, err := s.results.Orders(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *HTTPServer) handleRunPositions(c *gin.Context) {
	positions, err := s.results.Positions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *HTTPServer) handleRunEquity(c *gin.Context) {
	equity, err := s.results.Equity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": equity})
}

func (s *HTTPServer) handleRunStat(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 path 参数"})
		return
	}
	value, err := s.results.RunStat(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		s.renderStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "value": value})
}

func (s *HTTPServer) handleRunDelete(c *gin.Context) {
	if err := s.results.DeleteRun(c.Request.Context(), c.Param("id")); err != nil {
		s.renderStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *HTTPServer) renderStoreErr(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
