package routers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GrainArc/RestRaster/views"
)

// RestRasterRouters 注册抓取接口与指标接口
func RestRasterRouters(r *gin.Engine, ctrl *views.RestRasterController) {
	rasterRouter := r.Group("/rest_raster")
	{
		ctrl.RegisterRoutes(rasterRouter)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"code": 200, "status": "ok"})
	})
}

// NewEngine 创建带恢复中间件的gin引擎
func NewEngine(mode string, ctrl *views.RestRasterController) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	RestRasterRouters(r, ctrl)
	return r
}
