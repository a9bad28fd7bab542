package httpapi

import "github.com/gin-gonic/gin"

// Mount attaches the handlers. public receives the unauthenticated workflow
// callback; v1 is expected to carry the access-token middleware already.
func (h Handlers) Mount(public, v1 gin.IRoutes) {
	public.POST("/calls/:id/callback", h.Callback)

	v1.POST("/calls", h.CreateCall)
	v1.GET("/calls", h.ListCalls)
	v1.GET("/calls/summary", h.Summary)
	v1.GET("/calls/:id", h.GetCall)
	v1.GET("/calls/:id/events", h.CallEvents)
	v1.POST("/calls/:id/callback", h.Callback)
	v1.POST("/calls/:id/test-callback", h.TestCallback)
}
