package router

import (
	"net/http"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"

	"petstudio/internal/imaging"
)

func setSystemRoutes(r *gin.Engine, opts Options) {
	r.GET("/healthz", wrapHTTPFunc(opts.Healthz))
	if opts.Metrics != nil {
		r.GET("/metrics", wrapHTTP(opts.Metrics))
	}
	setMediaRoutes(r, opts.Folders)
}

// setMediaRoutes 把四个图片目录挂到 /media/<kind>/；数据库只存相对文件名，URL 在读取时拼接。
func setMediaRoutes(r *gin.Engine, folders imaging.Folders) {
	for _, kind := range []string{imaging.KindUpload, imaging.KindFinal, imaging.KindHD, imaging.KindWatermark} {
		dir, err := folders.Dir(kind)
		if err != nil || dir == "" {
			continue
		}
		prefix := "/media/" + kind
		r.Use(static.Serve(prefix, static.LocalFile(dir, false)))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "code": "not_found", "message": "资源不存在"})
	})
}
