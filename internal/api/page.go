package api

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

// indexPage is the single page chat client.
//
//go:embed static/index.html
var indexPage []byte

func (h *Handler) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexPage)
}
