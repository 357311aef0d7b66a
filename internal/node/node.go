package node

import "github.com/gin-gonic/gin"

// Node is a field network participant with an HTTP surface.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}
