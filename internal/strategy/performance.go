package strategy

import (
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/types"
	"github.com/ksred/polar-ops/pkg/response"
)

// DefaultRankingDays is the ranking window when a caller names none.
const DefaultRankingDays = 30

type PerformanceRequest struct {
	Date          string          `json:"date" binding:"required"`
	TotalTrades   int64           `json:"total_trades"`
	WinningTrades int64           `json:"winning_trades"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	SharpeRatio   decimal.Decimal `json:"sharpe_ratio"`
}

func winRate(trades, wins int64) decimal.Decimal {
	if trades <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(wins).Div(decimal.NewFromInt(trades)).Round(4)
}

// RecordPerformance stores the instance's results for a day, replacing any
// earlier report for the same day.
func (s *Service) RecordPerformance(instanceID string, req PerformanceRequest) (*Performance, error) {
	if _, err := time.Parse(PerformanceDateLayout, req.Date); err != nil {
		return nil, types.NewValidationError("date", "must be YYYY-MM-DD, got %q", req.Date)
	}
	switch {
	case req.TotalTrades < 0:
		return nil, types.NewValidationError("total_trades", "must not be negative")
	case req.WinningTrades < 0 || req.WinningTrades > req.TotalTrades:
		return nil, types.NewValidationError("winning_trades", "must be in [0, total_trades], got %d", req.WinningTrades)
	case req.MaxDrawdown.IsNegative():
		return nil, types.NewValidationError("max_drawdown", "must not be negative")
	}
	if _, err := s.db.GetInstance(instanceID); err != nil {
		return nil, err
	}
	p := &Performance{
		InstanceID:    instanceID,
		Date:          req.Date,
		TotalTrades:   req.TotalTrades,
		WinningTrades: req.WinningTrades,
		TotalProfit:   req.TotalProfit,
		MaxDrawdown:   req.MaxDrawdown,
		SharpeRatio:   req.SharpeRatio,
		WinRate:       winRate(req.TotalTrades, req.WinningTrades),
	}
	if err := s.db.UpsertPerformance(p); err != nil {
		return nil, err
	}
	log.Debug().
		Str("instance_id", instanceID).
		Str("date", req.Date).
		Str("profit", req.TotalProfit.String()).
		Msg("strategy performance recorded")
	return p, nil
}

// ListPerformance returns an instance's daily rows between two inclusive
// days, newest first.
func (s *Service) ListPerformance(instanceID, from, to string) ([]Performance, error) {
	for field, v := range map[string]string{"start_date": from, "end_date": to} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(PerformanceDateLayout, v); err != nil {
			return nil, types.NewValidationError(field, "must be YYYY-MM-DD, got %q", v)
		}
	}
	return s.db.ListPerformance(instanceID, from, to)
}

// PerformanceRanking sums each instance's last days of results, today
// included, and orders them by profit.
func (s *Service) PerformanceRanking(days int) ([]Ranking, error) {
	if days <= 0 {
		days = DefaultRankingDays
	}
	today := s.now()
	from := today.AddDate(0, 0, -(days - 1)).Format(PerformanceDateLayout)
	rows, err := s.db.ListPerformance("", from, today.Format(PerformanceDateLayout))
	if err != nil {
		return nil, err
	}

	agg := make(map[string]*Ranking)
	for _, p := range rows {
		r, ok := agg[p.InstanceID]
		if !ok {
			r = &Ranking{InstanceID: p.InstanceID}
			agg[p.InstanceID] = r
		}
		r.Days++
		r.TotalTrades += p.TotalTrades
		r.WinningTrades += p.WinningTrades
		r.TotalProfit = r.TotalProfit.Add(p.TotalProfit)
		if p.MaxDrawdown.GreaterThan(r.MaxDrawdown) {
			r.MaxDrawdown = p.MaxDrawdown
		}
	}
	out := make([]Ranking, 0, len(agg))
	for _, r := range agg {
		r.WinRate = winRate(r.TotalTrades, r.WinningTrades)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalProfit.Cmp(out[j].TotalProfit); c != 0 {
			return c > 0
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

func (h *GinHandlers) RecordPerformanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PerformanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		p, err := h.service.RecordPerformance(c.Param("id"), req)
		response.Handle(c, p, err)
	}
}

func (h *GinHandlers) ListPerformanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.service.ListPerformance(c.Param("id"), c.Query("start_date"), c.Query("end_date"))
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) RankingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days := 0
		if v := c.Query("days"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				response.BadRequest(c, "days must be an integer")
				return
			}
			days = n
		}
		out, err := h.service.PerformanceRanking(days)
		response.Handle(c, out, err)
	}
}
