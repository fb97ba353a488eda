package api

import (
	"github.com/gin-gonic/gin"
)

// errorResponse 返回错误响应
func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"error": message,
	})
}

// successResponse 返回成功响应
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(200, data)
}

// notFoundResponse 返回 404 响应
func notFoundResponse(c *gin.Context, resource string) {
	c.JSON(404, gin.H{
		"error": resource + " not found",
	})
}

// badRequestResponse 返回 400 响应
func badRequestResponse(c *gin.Context, message string) {
	c.JSON(400, gin.H{
		"error": message,
	})
}

// conflictResponse 返回 409 响应
func conflictResponse(c *gin.Context, message string) {
	c.JSON(409, gin.H{
		"error": message,
	})
}
