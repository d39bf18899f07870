package gateway

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/seedbridge/internal/auth"
	"github.com/terminal-bench/seedbridge/internal/batch"
	"github.com/terminal-bench/seedbridge/internal/bridge"
	"github.com/terminal-bench/seedbridge/internal/chain"
	"github.com/terminal-bench/seedbridge/internal/ledger"
	"github.com/terminal-bench/seedbridge/internal/security"
	"github.com/terminal-bench/seedbridge/pkg/messaging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway exposes the bridge API and the operator admin surface.
type Gateway struct {
	orchestrator *bridge.Orchestrator
	ledger       *ledger.Ledger
	breaker      *security.RedisBreaker
	secStore     *security.Store
	gate         *security.Gate
	aggregator   *batch.Aggregator
	registry     *chain.Registry
	authSvc      *auth.Service
	msgClient    *messaging.Client

	streamMu      sync.Mutex
	streamClients map[*websocket.Conn]chan []byte
}

// New creates a gateway.
func New(orchestrator *bridge.Orchestrator, ledgerSvc *ledger.Ledger, breaker *security.RedisBreaker, secStore *security.Store, gate *security.Gate, aggregator *batch.Aggregator, registry *chain.Registry, authSvc *auth.Service, msgClient *messaging.Client) *Gateway {
	return &Gateway{
		orchestrator:  orchestrator,
		ledger:        ledgerSvc,
		breaker:       breaker,
		secStore:      secStore,
		gate:          gate,
		aggregator:    aggregator,
		registry:      registry,
		authSvc:       authSvc,
		msgClient:     msgClient,
		streamClients: make(map[*websocket.Conn]chan []byte),
	}
}

// Router builds the gin engine.
func (g *Gateway) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := r.Group("/api/v1")
	{
		api.POST("/accounts", g.createAccount)
		api.GET("/accounts/:id/balance", g.getBalance)
		api.GET("/accounts/:id/entries", g.getEntries)

		api.POST("/bridge/outbound", g.initiateOutbound)
		api.POST("/bridge/inbound", g.initiateInbound)
		api.GET("/bridge/transactions/:id", g.getTransaction)
	}

	admin := r.Group("/api/v1/admin", g.authSvc.RequireRole("operator"))
	{
		admin.GET("/breaker", g.getBreaker)
		admin.POST("/breaker/open", g.openBreaker)
		admin.POST("/breaker/close", g.closeBreaker)

		admin.POST("/blacklist", g.addBlacklist)
		admin.DELETE("/blacklist", g.removeBlacklist)
		admin.GET("/blacklist", g.listBlacklist)

		admin.GET("/security/stats", g.securityStats)
		admin.GET("/security/events", g.securityEvents)
		admin.GET("/security/stream", g.streamSecurityEvents)

		admin.GET("/batches", g.batchStatus)
		admin.GET("/chains/:id/status", g.chainStatus)
		admin.GET("/transactions/refundable", g.listRefundable)
		admin.POST("/transactions/:id/refund", g.refundTransaction)
	}

	return r
}

// StartStream wires the fan-out from the security event subject to
// connected websocket clients. Call once before serving.
func (g *Gateway) StartStream() error {
	if g.msgClient == nil {
		return nil
	}
	return g.msgClient.Subscribe(messaging.SubjectSecurityEvent, func(msg *nats.Msg) {
		g.streamMu.Lock()
		for _, ch := range g.streamClients {
			select {
			case ch <- msg.Data:
			default: // slow client, drop
			}
		}
		g.streamMu.Unlock()
	})
}

func (g *Gateway) createAccount(c *gin.Context) {
	account, err := g.ledger.CreateAccount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": account.ID, "balance": account.Balance})
}

func (g *Gateway) getBalance(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}

	account, err := g.ledger.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": account.ID, "balance": account.Balance})
}

func (g *Gateway) getEntries(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := g.ledger.GetEntries(c.Request.Context(), accountID, limit)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

type outboundBody struct {
	AccountID       string `json:"account_id" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	Chain           string `json:"chain" binding:"required"`
	ExternalAddress string `json:"external_address" binding:"required"`
}

func (g *Gateway) initiateOutbound(c *gin.Context) {
	var body outboundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accountID, err := uuid.Parse(body.AccountID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	btx, err := g.orchestrator.InitiateOutbound(c.Request.Context(), bridge.OutboundRequest{
		AccountID:       accountID,
		Amount:          amount,
		Chain:           body.Chain,
		ExternalAddress: body.ExternalAddress,
	})
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, btx)
}

type inboundBody struct {
	AccountID   string `json:"account_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Chain       string `json:"chain" binding:"required"`
	ExternalRef string `json:"external_ref" binding:"required"`
}

func (g *Gateway) initiateInbound(c *gin.Context) {
	var body inboundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accountID, err := uuid.Parse(body.AccountID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	btx, err := g.orchestrator.InitiateInbound(c.Request.Context(), bridge.InboundRequest{
		AccountID:   accountID,
		Amount:      amount,
		Chain:       body.Chain,
		ExternalRef: body.ExternalRef,
	})
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, btx)
}

func (g *Gateway) getTransaction(c *gin.Context) {
	txID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	btx, err := g.orchestrator.Get(c.Request.Context(), txID)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, btx)
}

func (g *Gateway) getBreaker(c *gin.Context) {
	state, err := g.breaker.State(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"open": state.Open, "reason": state.Reason})
}

func (g *Gateway) openBreaker(c *gin.Context) {
	var body struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	if err := g.breaker.Open(c.Request.Context(), body.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	g.gate.RecordObservation(c.Request.Context(), &security.Event{
		Type:     security.EventBreakerOpened,
		Severity: security.SeverityCritical,
		Details:  body.Reason,
	})
	c.JSON(http.StatusOK, gin.H{"open": true, "reason": body.Reason})
}

func (g *Gateway) closeBreaker(c *gin.Context) {
	if err := g.breaker.Close(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	g.gate.RecordObservation(c.Request.Context(), &security.Event{
		Type:     security.EventBreakerClosed,
		Severity: security.SeverityLow,
		Details:  "circuit breaker closed by operator",
	})
	c.JSON(http.StatusOK, gin.H{"open": false})
}

type blacklistBody struct {
	Type   string `json:"type" binding:"required"`
	Value  string `json:"value" binding:"required"`
	Reason string `json:"reason"`
}

func (g *Gateway) addBlacklist(c *gin.Context) {
	var body blacklistBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Type != security.BlacklistAccount && body.Type != security.BlacklistAddress {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be account or address"})
		return
	}
	if body.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	entry, err := g.secStore.AddBlacklistEntry(c.Request.Context(), body.Type, body.Value, body.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	g.gate.RecordObservation(c.Request.Context(), &security.Event{
		Type:     security.EventBlacklistAdded,
		Severity: security.SeverityMedium,
		Details:  body.Type + " " + body.Value + ": " + body.Reason,
	})
	c.JSON(http.StatusCreated, entry)
}

func (g *Gateway) removeBlacklist(c *gin.Context) {
	var body blacklistBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := g.secStore.RemoveBlacklistEntry(c.Request.Context(), body.Type, body.Value); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	g.gate.RecordObservation(c.Request.Context(), &security.Event{
		Type:     security.EventBlacklistRemoved,
		Severity: security.SeverityLow,
		Details:  body.Type + " " + body.Value,
	})
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (g *Gateway) listBlacklist(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "true") == "true"
	entries, err := g.secStore.ListBlacklist(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (g *Gateway) securityStats(c *gin.Context) {
	window, err := time.ParseDuration(c.DefaultQuery("window", "24h"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
		return
	}

	stats, err := g.secStore.EventStats(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (g *Gateway) securityEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := g.secStore.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (g *Gateway) streamSecurityEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ch := make(chan []byte, 16)
	g.streamMu.Lock()
	g.streamClients[conn] = ch
	g.streamMu.Unlock()

	defer func() {
		g.streamMu.Lock()
		delete(g.streamClients, conn)
		g.streamMu.Unlock()
		conn.Close()
	}()

	// The stream is write-only, but a read pump is still needed to learn
	// about a closed connection before the next event arrives.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("gateway: security stream write: %v", err)
				return
			}
		case <-closed:
			return
		}
	}
}

func (g *Gateway) batchStatus(c *gin.Context) {
	var statuses []batch.PendingStatus
	for _, chainID := range g.registry.IDs() {
		status, err := g.aggregator.Status(c.Request.Context(), chainID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		statuses = append(statuses, status)
	}
	c.JSON(http.StatusOK, statuses)
}

func (g *Gateway) chainStatus(c *gin.Context) {
	cfg, err := g.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	status, err := cfg.Adapter.NetworkStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chain":        cfg.ID,
		"connected":    status.Connected,
		"block_height": status.BlockHeight,
		"min_amount":   cfg.MinAmount,
		"fee":          cfg.Fee,
	})
}

func (g *Gateway) listRefundable(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	txs, err := g.orchestrator.ListRefundable(c.Request.Context(), limit)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

func (g *Gateway) refundTransaction(c *gin.Context) {
	txID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	btx, err := g.orchestrator.RefundFailed(c.Request.Context(), txID)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, btx)
}

// renderError maps domain errors to HTTP responses.
func (g *Gateway) renderError(c *gin.Context, err error) {
	var rejection *security.Rejection
	if errors.As(err, &rejection) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":    rejection.Reason,
			"rule":     rejection.Rule,
			"severity": rejection.Severity,
		})
		return
	}

	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, bridge.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, bridge.ErrDuplicateTransaction):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, bridge.ErrBurnNotVerified):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, bridge.ErrAmountMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, bridge.ErrNotRefundable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, chain.ErrUnsupportedChain), errors.Is(err, chain.ErrBelowMinimum),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, bridge.ErrFeeExceedsAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
