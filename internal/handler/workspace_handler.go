// Package handler 提供 HTTP 请求处理器
package handler

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"kinecraft-server/internal/cache"
	"kinecraft-server/internal/workspace"
	"kinecraft-server/pkg/response"
)

// WorkspaceHandler 工作空间访问处理器
// 暴露预览反向代理和渲染产物下载；
// 工作空间销毁后这两个入口都失效
type WorkspaceHandler struct {
	workspaces *workspace.Manager
	cache      *cache.RedisCache
}

// NewWorkspaceHandler 创建 WorkspaceHandler 实例
func NewWorkspaceHandler(workspaces *workspace.Manager, redisCache *cache.RedisCache) *WorkspaceHandler {
	return &WorkspaceHandler{
		workspaces: workspaces,
		cache:      redisCache,
	}
}

// ProxyPreview 反向代理到工作空间的预览进程
// @Summary 预览代理
// @Description 把请求转发到工作空间内运行的预览服务器
// @Tags 工作空间
// @Param workspace_id path string true "工作空间ID"
// @Router /preview/{workspace_id}/{path} [get]
func (h *WorkspaceHandler) ProxyPreview(c *gin.Context) {
	workspaceID := c.Param("workspace_id")

	// 1. 工作空间必须仍然存活
	if ws := h.workspaces.Get(workspaceID); ws == nil {
		response.WorkspaceGone(c)
		return
	}

	// 2. 取预览地址：进程内注册表优先，Redis 兜底
	target, ok := h.workspaces.PreviewURL(workspaceID)
	if !ok {
		cached, err := h.cache.GetPreviewURL(c.Request.Context(), workspaceID)
		if err != nil || cached == "" {
			response.PreviewUnavailable(c)
			return
		}
		target = cached
	}

	upstream, err := url.Parse(target)
	if err != nil {
		response.PreviewUnavailable(c)
		return
	}

	// 3. 转发，剥掉 /preview/:workspace_id 前缀
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("Preview proxy error: workspace=%s err=%v", workspaceID, err)
		w.WriteHeader(http.StatusBadGateway)
	}
	c.Request.URL.Path = c.Param("path")
	if c.Request.URL.Path == "" {
		c.Request.URL.Path = "/"
	}
	proxy.ServeHTTP(c.Writer, c.Request)
}

// ServeArtifact 下载工作空间内的渲染产物
// @Summary 下载产物
// @Description 返回工作空间内指定路径的文件（渲染出的视频等）
// @Tags 工作空间
// @Param workspace_id path string true "工作空间ID"
// @Param filepath path string true "工作空间内的相对路径"
// @Router /artifacts/{workspace_id}/{filepath} [get]
func (h *WorkspaceHandler) ServeArtifact(c *gin.Context) {
	workspaceID := c.Param("workspace_id")

	ws := h.workspaces.Get(workspaceID)
	if ws == nil {
		response.WorkspaceGone(c)
		return
	}

	rel, err := workspace.ValidatePath(strings.TrimPrefix(c.Param("filepath"), "/"))
	if err != nil {
		response.BadRequest(c, "无效的文件路径")
		return
	}

	abs := filepath.Join(ws.Root, rel)
	if _, err := os.Stat(abs); err != nil {
		response.NotFound(c, "文件不存在")
		return
	}
	c.File(abs)
}

// RegisterRoutes 注册工作空间路由
// 预览和产物走独立前缀，不加认证中间件（URL 中的工作空间ID
// 本身是不可猜测的句柄，且销毁后立即失效）
func (h *WorkspaceHandler) RegisterRoutes(r *gin.Engine) {
	r.Any("/preview/:workspace_id/*path", h.ProxyPreview)
	r.GET("/artifacts/:workspace_id/*filepath", h.ServeArtifact)
}
