package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"groupbuy/auth"
	"groupbuy/campaign"
	"groupbuy/refund"
	"groupbuy/team"
	"groupbuy/teamquery"
)

// Handler exposes the group-buy operations over HTTP.
type Handler struct {
	authSvc   *auth.Service
	campaigns *campaign.Service
	teams     *team.Coordinator
	refunds   *refund.Coordinator
	sweeper   *refund.Sweeper
	queries   *teamquery.Service
	logger    *zap.Logger
}

// NewHandler builds the HTTP handler set.
func NewHandler(
	authSvc *auth.Service,
	campaigns *campaign.Service,
	teams *team.Coordinator,
	refunds *refund.Coordinator,
	sweeper *refund.Sweeper,
	queries *teamquery.Service,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		authSvc:   authSvc,
		campaigns: campaigns,
		teams:     teams,
		refunds:   refunds,
		sweeper:   sweeper,
		queries:   queries,
		logger:    logger,
	}
}

// Register mounts all routes on the router.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) { ok(c, gin.H{"status": "ok"}) })

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", h.RegisterUser)
		authGroup.POST("/login", h.Login)
	}

	// Invoked by the payment subsystem, not end users.
	router.POST("/payments/callback", h.PaymentCallback)

	api := router.Group("")
	api.Use(JWT(h.authSvc))
	{
		api.GET("/campaigns", h.Campaigns)
		api.POST("/campaigns/:id/teams", h.Launch)
		api.GET("/campaigns/:id/teams", h.TeamsForCampaign)
		api.GET("/teams/:id", h.TeamDetail)
		api.POST("/teams/:id/join", h.Join)
		api.POST("/teams/:id/quit", h.Quit)
		api.GET("/my/teams", h.MyTeams)
		api.GET("/my/launched", h.MyLaunched)

		api.POST("/internal/teams/:id/expire", RequireRole(auth.RoleAdmin), h.Expire)
		api.POST("/internal/sweep", RequireRole(auth.RoleAdmin), h.Sweep)
	}
}

// RegisterUser handles POST /auth/register.
func (h *Handler) RegisterUser(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	user, err := h.authSvc.Register(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			conflict(c, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			badRequest(c, err.Error())
		default:
			badRequest(c, err.Error())
		}
		return
	}
	created(c, gin.H{"id": user.ID, "email": user.Email})
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	result, err := h.authSvc.Login(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			unauthorized(c, "invalid credentials")
			return
		}
		internal(c, "login failed")
		return
	}
	ok(c, gin.H{"token": result.Token, "user_id": result.User.ID, "role": result.User.Role})
}

// Campaigns handles GET /campaigns.
func (h *Handler) Campaigns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	campaigns, err := h.campaigns.ListOngoing(c.Request.Context(), limit)
	if err != nil {
		internal(c, "campaign listing failed")
		return
	}
	ok(c, campaigns)
}

type launchRequest struct {
	JoinImmediately bool   `json:"join_immediately"`
	Quantity        int    `json:"quantity"`
	ShippingRef     string `json:"shipping_ref"`
}

// Launch handles POST /campaigns/:id/teams.
func (h *Handler) Launch(c *gin.Context) {
	var req launchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.teams.Launch(c.Request.Context(), team.LaunchParams{
		CampaignID:      c.Param("id"),
		LauncherID:      c.GetString(ContextUserID),
		JoinImmediately: req.JoinImmediately,
		Quantity:        req.Quantity,
		ShippingRef:     req.ShippingRef,
	})
	if err != nil {
		h.writeTeamError(c, err)
		return
	}

	body := gin.H{"team": result.Team}
	if result.Join != nil {
		body["order_id"] = result.Join.OrderID
		body["remaining_slots"] = result.Join.RemainingSlots
	}
	created(c, body)
}

type joinRequest struct {
	Quantity    int    `json:"quantity"`
	ShippingRef string `json:"shipping_ref"`
}

// Join handles POST /teams/:id/join.
func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.teams.Join(c.Request.Context(), team.JoinParams{
		TeamID:      c.Param("id"),
		BuyerID:     c.GetString(ContextUserID),
		Quantity:    req.Quantity,
		ShippingRef: req.ShippingRef,
	})
	if err != nil {
		h.writeTeamError(c, err)
		return
	}
	ok(c, gin.H{"order_id": result.OrderID, "remaining_slots": result.RemainingSlots})
}

type paymentCallbackRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

// PaymentCallback handles POST /payments/callback. Fire-and-forget for the
// payment subsystem: duplicates and unknown orders both get a 200 so the
// sender stops retrying; unknown orders are logged for reconciliation.
func (h *Handler) PaymentCallback(c *gin.Context) {
	var req paymentCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}

	if err := h.teams.ConfirmPayment(c.Request.Context(), req.OrderID); err != nil {
		if errors.Is(err, team.ErrMembershipNotFound) {
			ok(c, gin.H{"acknowledged": true})
			return
		}
		h.logger.Error("payment callback failed", zap.String("order_id", req.OrderID), zap.Error(err))
		internal(c, "payment confirmation failed")
		return
	}
	ok(c, gin.H{"acknowledged": true})
}

// Quit handles POST /teams/:id/quit.
func (h *Handler) Quit(c *gin.Context) {
	err := h.refunds.Quit(c.Request.Context(), c.Param("id"), c.GetString(ContextUserID))
	if err != nil {
		switch {
		case errors.Is(err, team.ErrTeamNotFound), errors.Is(err, team.ErrMembershipNotFound):
			notFound(c, err.Error())
		case errors.Is(err, team.ErrTeamNotForming):
			conflict(c, "team already finalized")
		default:
			h.logger.Error("quit failed", zap.String("team_id", c.Param("id")), zap.Error(err))
			internal(c, "quit failed")
		}
		return
	}
	ok(c, gin.H{"refunded": true})
}

// Expire handles POST /internal/teams/:id/expire.
func (h *Handler) Expire(c *gin.Context) {
	result, err := h.refunds.Expire(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, team.ErrTeamNotFound) {
			notFound(c, err.Error())
			return
		}
		internal(c, "expire failed")
		return
	}
	ok(c, gin.H{"cancelled": result.Cancelled, "refund_failures": result.RefundFailures})
}

// Sweep handles POST /internal/sweep.
func (h *Handler) Sweep(c *gin.Context) {
	expired, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		internal(c, "sweep failed")
		return
	}
	ok(c, gin.H{"expired": expired})
}

// TeamDetail handles GET /teams/:id.
func (h *Handler) TeamDetail(c *gin.Context) {
	detail, err := h.queries.TeamDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, team.ErrTeamNotFound) {
			notFound(c, err.Error())
			return
		}
		internal(c, "team lookup failed")
		return
	}
	ok(c, detail)
}

// TeamsForCampaign handles GET /campaigns/:id/teams.
func (h *Handler) TeamsForCampaign(c *gin.Context) {
	teams, err := h.queries.TeamsForCampaign(c.Request.Context(), c.Param("id"), c.Query("community_id"))
	if err != nil {
		internal(c, "team listing failed")
		return
	}
	ok(c, teams)
}

// MyTeams handles GET /my/teams.
func (h *Handler) MyTeams(c *gin.Context) {
	teams, err := h.queries.TeamsForBuyer(c.Request.Context(), c.GetString(ContextUserID))
	if err != nil {
		internal(c, "team listing failed")
		return
	}
	ok(c, teams)
}

// MyLaunched handles GET /my/launched.
func (h *Handler) MyLaunched(c *gin.Context) {
	teams, err := h.queries.TeamsForLauncher(c.Request.Context(), c.GetString(ContextUserID))
	if err != nil {
		internal(c, "team listing failed")
		return
	}
	ok(c, teams)
}

func (h *Handler) writeTeamError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		notFound(c, "campaign not found")
	case errors.Is(err, campaign.ErrInactive):
		conflict(c, "campaign not active")
	case errors.Is(err, team.ErrLauncherUnauthorized):
		forbidden(c, "not authorized to launch teams")
	case errors.Is(err, team.ErrTeamNotFound):
		notFound(c, "team not found")
	case errors.Is(err, team.ErrTeamNotForming):
		conflict(c, "team is no longer forming")
	case errors.Is(err, team.ErrTeamFull):
		conflict(c, "team is full")
	case errors.Is(err, team.ErrAlreadyJoined):
		conflict(c, "already joined this team")
	default:
		h.logger.Error("team operation failed", zap.Error(err))
		internal(c, "operation failed")
	}
}
