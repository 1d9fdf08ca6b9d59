package api

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"btcopilot/copilot"
	"btcopilot/internal/logger"
	"btcopilot/session"
)

// Handler API处理器. One copilot session per process; every request takes the lock.
type Handler struct {
	mu  sync.Mutex
	cp  *copilot.Copilot
	log *logger.Logger
}

// NewHandler 创建处理器
func NewHandler(cp *copilot.Copilot, log *logger.Logger) *Handler {
	return &Handler{cp: cp, log: log.With("component", "api")}
}

type textRequest struct {
	Input string `json:"input"`
}

type basisRequest struct {
	Basis string `json:"basis"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type kindRequest struct {
	Kind string `json:"kind"`
}

type projectRequest struct {
	Name string `json:"name" binding:"required"`
}

// GetSession 获取当前会话
func (h *Handler) GetSession(c *gin.Context) {
	h.mu.Lock()
	snap := h.cp.Session().Snapshot()
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"code": 0, "data": snap})
}

// SaveSession 保存会话快照
func (h *Handler) SaveSession(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	path, err := h.cp.Snapshot()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"path": path}})
}

// RestoreSession 恢复会话快照
func (h *Handler) RestoreSession(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.cp.Restore(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": h.cp.Session().Snapshot()})
}

// SetProject 修改项目名
func (h *Handler) SetProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.cp.SetProjectName(req.Name); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"project_name": h.cp.ProjectName()}})
}

// SetFragment 设置提示词片段
func (h *Handler) SetFragment(c *gin.Context) {
	name, err := session.ParseFragment(c.Param("name"))
	if err != nil {
		badRequest(c, err)
		return
	}
	var req textRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.cp.SetFragment(name, req.Input); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": gin.H{"fragment": name, "value": h.cp.Session().Get(name)},
	})
}

// Compose 组合提示词
func (h *Handler) Compose(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.cp.Compose()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"prompt": p}})
}

// GetTemplates 列出提示词模板
func (h *Handler) GetTemplates(c *gin.Context) {
	h.mu.Lock()
	keys := h.cp.Templates()
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"code": 0, "count": len(keys), "data": keys})
}

// Generate 生成回测代码
func (h *Handler) Generate(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	code, err := h.cp.GenerateCode(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"code": code}})
}

// Describe 策略描述
func (h *Handler) Describe(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	text, err := h.cp.DescribeStrategy(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"description": text}})
}

// Feedback 策略反馈
func (h *Handler) Feedback(c *gin.Context) {
	basis, ok := parseBasis(c)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	text, err := h.cp.Feedback(c.Request.Context(), basis)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"basis": basis, "feedback": text}})
}

// Visualize 策略可视化
func (h *Handler) Visualize(c *gin.Context) {
	basis, ok := parseBasis(c)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.cp.Visualize(c.Request.Context(), basis)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": gin.H{
			"basis":  res.Basis,
			"script": res.Script,
			"source": res.Source,
			"run":    runJSON(res.Run),
		},
	})
}

// GetCode 获取当前代码
func (h *Handler) GetCode(c *gin.Context) {
	h.mu.Lock()
	code := h.cp.Session().Code
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"code": code}})
}

// LoadCode 从文件加载代码. The path is relative to the output or resources directory.
func (h *Handler) LoadCode(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	path, err := h.cp.ProjectFile(req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.cp.LoadCode(path); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"path": path, "bytes": len(h.cp.Session().Code)}})
}

// LoadBoilerplate 加载样板代码
func (h *Handler) LoadBoilerplate(c *gin.Context) {
	var req kindRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.cp.LoadBoilerplate(req.Kind); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"code": h.cp.Session().Code}})
}

// SaveCode 保存代码
func (h *Handler) SaveCode(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	path, err := h.cp.SaveCode()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"path": path}})
}

// RunBacktest 运行回测
func (h *Handler) RunBacktest(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := h.cp.RunBacktest(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": gin.H{"script": res.Script, "run": runJSON(res.Run)},
	})
}

func runJSON(r copilot.RunReport) gin.H {
	out := gin.H{
		"ok":          r.OK(),
		"stdout":      r.Stdout,
		"stderr":      r.Stderr,
		"exit_code":   r.ExitCode,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	return out
}

func parseBasis(c *gin.Context) (copilot.Basis, bool) {
	var req basisRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return "", false
	}
	if req.Basis == "" {
		req.Basis = c.Query("basis")
	}
	basis, err := copilot.ParseBasis(req.Basis)
	if err != nil {
		badRequest(c, err)
		return "", false
	}
	return basis, true
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": err.Error(),
		"kind":  copilot.KindInvalidInput.String(),
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := copilot.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.Request.URL.Path, "kind", kind.String(), "err", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind.String()})
}

func statusFor(k copilot.Kind) int {
	switch k {
	case copilot.KindResourceNotFound:
		return http.StatusNotFound
	case copilot.KindInvalidInput:
		return http.StatusBadRequest
	case copilot.KindGeneration:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
