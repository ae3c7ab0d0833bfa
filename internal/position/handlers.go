package position

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/polar-ops/pkg/response"
)

type GinHandlers struct {
	store *Store
}

func NewGinHandlers(store *Store) *GinHandlers {
	return &GinHandlers{store: store}
}

// PushTradeHandler books a fill reported by the broker bridge.
func (h *GinHandlers) PushTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var f Fill
		if err := c.ShouldBindJSON(&f); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if f.Source == "" {
			f.Source = "broker"
		}
		p, err := h.store.ApplyFill(c.Request.Context(), f)
		response.Handle(c, p, err)
	}
}

func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		trades, err := h.store.ListTrades(c.Request.Context(), c.Query("account_id"), c.Query("symbol"), limit)
		response.Handle(c, trades, err)
	}
}

func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.store.ListPositions(c.Request.Context(), c.Param("accountId"))
		response.Handle(c, positions, err)
	}
}
