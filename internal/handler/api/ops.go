package api

import (
	"errors"

	"github.com/labstack/echo/v4"

	"qbtrade/internal/order"
	"qbtrade/internal/risk"
	"qbtrade/internal/strategy"
	xhttp "qbtrade/pkg/http"
	xlogger "qbtrade/pkg/logger"
)

// OpsHandler exposes the read-only query surface: positions, in-flight
// orders, strategy state and performance, risk metrics, and the emergency
// stop controls.
type OpsHandler struct {
	logger  *xlogger.Logger
	orders  *order.Engine
	strats  *strategy.Engine
	perf    *strategy.PerformanceTracker
	monitor *risk.Monitor
	estop   *risk.EmergencyStop
}

// NewOpsHandler creates the handler.
func NewOpsHandler(
	logger *xlogger.Logger,
	orders *order.Engine,
	strats *strategy.Engine,
	perf *strategy.PerformanceTracker,
	monitor *risk.Monitor,
	estop *risk.EmergencyStop,
) *OpsHandler {
	return &OpsHandler{
		logger:  logger,
		orders:  orders,
		strats:  strats,
		perf:    perf,
		monitor: monitor,
		estop:   estop,
	}
}

// RegisterRoutes attaches the ops routes.
func (h *OpsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api")
	g.GET("/positions", h.Positions)
	g.GET("/orders", h.Orders)
	g.GET("/strategies", h.Strategies)
	g.GET("/strategies/:name/performance", h.StrategyPerformance)
	g.GET("/risk/metrics", h.RiskMetrics)
	g.GET("/risk/emergency-stop", h.EmergencyStatus)
	g.POST("/risk/emergency-stop", h.EmergencyTrigger)
	g.POST("/risk/reset", h.EmergencyReset)
}

// Health reports liveness.
func (h *OpsHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

// Positions returns the current position book.
func (h *OpsHandler) Positions(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.orders.Book().Positions())
}

// Orders returns in-flight orders and queue depth.
func (h *OpsHandler) Orders(c echo.Context) error {
	limit := xhttp.ParseIntDefault(c.QueryParam("limit"), 100)
	inFlight := h.orders.Orders()
	if len(inFlight) > limit {
		inFlight = inFlight[:limit]
	}
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"in_flight":   inFlight,
		"queue_depth": h.orders.QueueDepth(),
	})
}

// Strategies lists loaded strategies and their active flags.
func (h *OpsHandler) Strategies(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.strats.Loaded())
}

// StrategyPerformance returns derived stats for one strategy.
func (h *OpsHandler) StrategyPerformance(c echo.Context) error {
	name := c.Param("name")
	return xhttp.SuccessResponse(c, h.perf.Stats(name))
}

// RiskMetrics returns the latest portfolio metric snapshot.
func (h *OpsHandler) RiskMetrics(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.monitor.Last())
}

// EmergencyStatus reports the kill-switch state.
func (h *OpsHandler) EmergencyStatus(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.estop.Status())
}

type triggerRequest struct {
	Reason string `json:"reason" validate:"required,max=200"`
}

type resetRequest struct {
	Token string `json:"token" validate:"required"`
}

// EmergencyTrigger manually arms the kill switch.
func (h *OpsHandler) EmergencyTrigger(c echo.Context) error {
	req := &triggerRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	h.logger.Warn("manual emergency stop requested", xlogger.String("reason", req.Reason))
	h.estop.Trigger(risk.TriggerManual)
	return xhttp.SuccessResponse(c, h.estop.Status())
}

// EmergencyReset disarms the kill switch given the reset token.
func (h *OpsHandler) EmergencyReset(c echo.Context) error {
	req := &resetRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if err := h.estop.Reset(req.Token); err != nil {
		if errors.Is(err, risk.ErrBadResetToken) {
			return xhttp.UnauthorizedResponse(c, "invalid reset token")
		}
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, h.estop.Status())
}
