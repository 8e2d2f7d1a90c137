package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// registerOpenAPIRoutes 暴露OpenAPI描述文件，供/swagger与外部工具使用
func registerOpenAPIRoutes(engine *gin.Engine) {
	engine.GET("/openapi", func(c *gin.Context) {
		c.Header("Content-Type", "application/yaml; charset=utf-8")
		c.File("docs/api/openapi.yaml")
	})

	engine.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(redocPage))
	})
}

const redocPage = `<!DOCTYPE html>
<html>
  <head>
    <title>Cash Terminal API</title>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>body { margin: 0; padding: 0; }</style>
  </head>
  <body>
    <redoc spec-url="/openapi"></redoc>
    <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
  </body>
</html>`
