package opshttp

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ballast/internal/logger"
	"ballast/internal/portfolio"
	"ballast/internal/report"
	"ballast/internal/store"
)

// Router 暴露运行历史与持仓的查询接口。
type Router struct {
	runs      *store.Store
	statePath string
}

func NewRouter(runs *store.Store, statePath string) *Router {
	return &Router{runs: runs, statePath: statePath}
}

// Register 将查询路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/runs", r.handleRuns)
	group.GET("/runs/:id", r.handleRunByID)
	group.GET("/positions", r.handlePositions)
	group.GET("/state", r.handleState)
}

func (r *Router) handleRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	runs, err := r.runs.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(runs), "runs": runs})
}

func (r *Router) handleRunByID(c *gin.Context) {
	runID := strings.TrimSpace(c.Param("id"))
	rec, found, err := r.runs.Run(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在: " + runID})
		return
	}
	orders, err := r.runs.RunOrders(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": rec, "orders": orders})
}

func (r *Router) handlePositions(c *gin.Context) {
	st, err := r.loadState(c)
	if st == nil || err != nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nav":        st.NAV,
		"cash":       st.Cash,
		"positions":  st.Positions,
		"updated_at": st.Timestamp,
	})
}

func (r *Router) handleState(c *gin.Context) {
	st, err := r.loadState(c)
	if st == nil || err != nil {
		return
	}
	c.JSON(http.StatusOK, st)
}

// loadState 读取状态文件；错误与「尚未运行」都直接写响应。
func (r *Router) loadState(c *gin.Context) (*portfolio.State, error) {
	st, err := portfolio.LoadState(r.statePath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, err
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "尚未完成任何运行"})
		return nil, nil
	}
	return st, nil
}

func (r *Router) handleReport(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "365"))
	points, err := r.runs.NAVSeries(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(points) == 0 {
		c.String(http.StatusNotFound, "暂无运行记录")
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := report.Render(c.Writer, points); err != nil {
		logger.Errorf("渲染报表页失败: %v", err)
	}
}
