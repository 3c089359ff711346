// Package httpapi exposes the orchestrator's verbs over a gin-routed HTTP
// surface. It is a thin adapter: every instance handler decodes a request,
// calls exactly one orchestrator.Engine method, and encodes the result; the
// config handlers call config.UserConfig instead.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/polunzh/aiva/internal/orchestrator"
	"github.com/polunzh/aiva/internal/orchestrator/vmconfig"
	"github.com/polunzh/aiva/internal/server/config"
)

// EventBus is the subset of internal/orchestrator.EventBus this package
// needs to serve the websocket event stream.
type EventBus interface {
	Subscribe(topic string, ch chan<- any) (unsubscribe func(), err error)
}

type apiServer struct {
	logger     *slog.Logger
	engine     orchestrator.Engine
	bus        EventBus
	userConfig *config.UserConfig
}

// New constructs the HTTP API router backed by the orchestrator engine.
func New(logger *slog.Logger, engine orchestrator.Engine, bus EventBus, userConfig *config.UserConfig) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	if cidr := os.Getenv("AIVA_API_ALLOW_CIDR"); cidr != "" {
		r.Use(ipFilterMiddleware(logger, strings.Split(cidr, ",")))
	}
	if apiKey := os.Getenv("AIVA_API_KEY"); apiKey != "" {
		r.Use(apiKeyMiddleware(apiKey))
	}

	api := &apiServer{logger: logger, engine: engine, bus: bus, userConfig: userConfig}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/openapi.json", api.serveOpenAPI)

	v1 := r.Group("/api/v1")
	{
		instances := v1.Group("/instances")
		{
			instances.GET("", api.statusAll)
			instances.POST("", api.initInstance)
			instances.GET("/:name", api.status)
			instances.POST("/:name/start", api.start)
			instances.POST("/:name/stop", api.stop)
			instances.DELETE("/:name", api.delete)
			instances.POST("/:name/deploy", api.deploy)
			instances.GET("/:name/logs", api.logs)
			instances.POST("/:name/run", api.run)
			instances.POST("/:name/data", api.dataSync)
			instances.GET("/:name/data", api.dataList)
		}

		cfg := v1.Group("/config")
		{
			cfg.GET("", api.configList)
			cfg.GET("/:key", api.configGet)
			cfg.PUT("/:key", api.configSet)
		}

		v1.GET("/events", api.streamEvents)
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}

func apiKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func ipFilterMiddleware(logger *slog.Logger, cidrs []string) gin.HandlerFunc {
	nets := parseCIDRs(logger, cidrs)
	return func(c *gin.Context) {
		if !ipAllowed(c.ClientIP(), nets) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func errorStatus(err error) int {
	var stateConflict *orchestrator.ErrStateConflict
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrExists):
		return http.StatusConflict
	case errors.As(err, &stateConflict):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, config.ErrKeyNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

type initRequest struct {
	Name     string          `json:"name" binding:"required"`
	Template string          `json:"template"`
	Config   *vmconfig.Config `json:"config"`
}

func (a *apiServer) initInstance(c *gin.Context) {
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst, err := a.engine.Init(c.Request.Context(), orchestrator.InitRequest{
		Name: req.Name, Template: req.Template, Config: req.Config,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (a *apiServer) statusAll(c *gin.Context) {
	statuses, err := a.engine.StatusAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (a *apiServer) status(c *gin.Context) {
	st, err := a.engine.Status(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *apiServer) start(c *gin.Context) {
	var overrides *vmconfig.ResourcesPatch
	if c.Request.ContentLength > 0 {
		var patch vmconfig.ResourcesPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		overrides = &patch
	}
	inst, err := a.engine.Start(c.Request.Context(), c.Param("name"), overrides)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (a *apiServer) stop(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := a.engine.Stop(c.Request.Context(), c.Param("name"), force); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *apiServer) delete(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := a.engine.Delete(c.Request.Context(), c.Param("name"), force); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type deployRequest struct {
	ImagePath string `json:"image_path" binding:"required"`
	Restart   bool   `json:"restart"`
}

func (a *apiServer) deploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst, err := a.engine.Deploy(c.Request.Context(), c.Param("name"), req.ImagePath, req.Restart)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (a *apiServer) logs(c *gin.Context) {
	name := c.Param("name")
	if c.Query("follow") == "true" {
		a.followLogs(c, name)
		return
	}
	tail := 0
	if t := c.Query("tail"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tail parameter"})
			return
		}
		tail = n
	}
	lines, err := a.engine.Logs(c.Request.Context(), name, tail)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

type runRequest struct {
	CommandLine string `json:"command_line" binding:"required"`
	TimeoutMS   int64  `json:"timeout_ms"`
}

func (a *apiServer) run(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := a.engine.Run(c.Request.Context(), c.Param("name"), req.CommandLine, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type dataSyncRequest struct {
	LocalPath  string `json:"local_path" binding:"required"`
	RemotePath string `json:"remote_path" binding:"required"`
}

func (a *apiServer) dataSync(c *gin.Context) {
	var req dataSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.engine.DataSync(c.Request.Context(), c.Param("name"), req.LocalPath, req.RemotePath); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *apiServer) dataList(c *gin.Context) {
	remotePath := c.Query("path")
	if remotePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
		return
	}
	entries, err := a.engine.DataList(c.Request.Context(), c.Param("name"), remotePath)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (a *apiServer) configList(c *gin.Context) {
	if a.userConfig == nil {
		c.JSON(http.StatusOK, gin.H{"keys": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": a.userConfig.List()})
}

func (a *apiServer) configGet(c *gin.Context) {
	if a.userConfig == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no config.yaml loaded"})
		return
	}
	var v any
	if err := a.userConfig.Get(c.Param("key"), &v); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": v})
}

func (a *apiServer) configSet(c *gin.Context) {
	if a.userConfig == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no config.yaml loaded"})
		return
	}
	var body struct {
		Value any `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.userConfig.Set(c.Param("key"), body.Value); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// streamEvents and followLogs (websocket.go) serve the event stream and
// log tailing over a websocket upgrade rather than plain HTTP.
