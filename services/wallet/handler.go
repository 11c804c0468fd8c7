package wallet

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"

	"guildwallet/pkg/db/pagination"
	"guildwallet/pkg/errutil"
	"guildwallet/services/ledger"
	"guildwallet/services/policy"
	"guildwallet/services/redemption"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// Handler exposes the wallet over HTTP for the bot and the admin panel.
type Handler struct {
	coordinator *Coordinator
	ledger      *ledger.Service
	codes       *redemption.Registry
	settings    *policy.SettingsStore
}

type HandlerParams struct {
	fx.In

	Coordinator *Coordinator
	Ledger      *ledger.Service
	Codes       *redemption.Registry
	Settings    *policy.SettingsStore `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		coordinator: p.Coordinator,
		ledger:      p.Ledger,
		codes:       p.Codes,
		settings:    p.Settings,
	}
}

func (h *Handler) Register(r gin.IRouter) {
	guild := r.Group("/v1/guilds/:guild_id")

	member := guild.Group("/members/:user_id")
	member.GET("/wallet", h.GetWallet)
	member.GET("/ledger", h.ListLedger)
	member.GET("/ledger/verify", h.VerifyLedger)
	member.POST("/transfers", h.Transfer)
	member.POST("/refunds", h.Refund)
	member.POST("/promotions/redeem", h.RedeemPromotion)
	member.POST("/discounts/validate", h.ValidateDiscount)
	member.POST("/discounts/consume", h.ConsumeDiscount)
	member.POST("/settlements", h.Settle)

	guild.POST("/promotions", h.CreatePromotion)
	guild.POST("/discounts", h.CreateDiscount)
	guild.GET("/codes/:code", h.GetCode)
	guild.POST("/codes/:code/disable", h.DisableCode)
	guild.PUT("/settings", h.PutSettings)
}

func memberKey(c *gin.Context) ledger.Key {
	return ledger.Key{GuildID: c.Param("guild_id"), UserID: c.Param("user_id")}
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return false
	}
	return true
}

func respond(c *gin.Context, out replayable) {
	if out.outcome().Replayed {
		c.Header(HeaderReplayed, "true")
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetWallet(c *gin.Context) {
	view, err := h.ledger.GetWallet(c.Request.Context(), memberKey(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) ListLedger(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid pagination", err))
		return
	}

	entries, info, err := h.ledger.ListEntries(c.Request.Context(), memberKey(c), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "page_info": info})
}

func (h *Handler) VerifyLedger(c *gin.Context) {
	report, err := h.ledger.VerifyChain(c.Request.Context(), memberKey(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type transferRequest struct {
	RecipientID string          `json:"recipient_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

func (h *Handler) Transfer(c *gin.Context) {
	var req transferRequest
	if !bind(c, &req) {
		return
	}

	k := memberKey(c)
	out, err := h.coordinator.Transfer(c.Request.Context(), TransferInput{
		GuildID:     k.GuildID,
		SenderID:    k.UserID,
		RecipientID: req.RecipientID,
		Amount:      req.Amount,
		RequestKey:  c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, out)
}

type refundRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

func (h *Handler) Refund(c *gin.Context) {
	var req refundRequest
	if !bind(c, &req) {
		return
	}

	k := memberKey(c)
	out, err := h.coordinator.Refund(c.Request.Context(), RefundInput{
		GuildID:    k.GuildID,
		UserID:     k.UserID,
		OrderID:    req.OrderID,
		RequestKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, out)
}

type redeemRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) RedeemPromotion(c *gin.Context) {
	var req redeemRequest
	if !bind(c, &req) {
		return
	}

	k := memberKey(c)
	out, err := h.coordinator.RedeemPromotion(c.Request.Context(), RedeemInput{
		GuildID:    k.GuildID,
		UserID:     k.UserID,
		Code:       req.Code,
		RequestKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, out)
}

type discountRequest struct {
	Code      string          `json:"code" binding:"required"`
	CartTotal decimal.Decimal `json:"cart_total"`
	OrderID   string          `json:"order_id"`
}

func (h *Handler) ValidateDiscount(c *gin.Context) {
	var req discountRequest
	if !bind(c, &req) {
		return
	}

	k := memberKey(c)
	q, err := h.coordinator.ValidateDiscount(c.Request.Context(), DiscountInput{
		GuildID:   k.GuildID,
		UserID:    k.UserID,
		Code:      req.Code,
		CartTotal: req.CartTotal,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *Handler) ConsumeDiscount(c *gin.Context) {
	var req discountRequest
	if !bind(c, &req) {
		return
	}

	k := memberKey(c)
	out, err := h.coordinator.ConsumeDiscount(c.Request.Context(), DiscountInput{
		GuildID:    k.GuildID,
		UserID:     k.UserID,
		Code:       req.Code,
		CartTotal:  req.CartTotal,
		OrderID:    req.OrderID,
		RequestKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, out)
}

func (h *Handler) Settle(c *gin.Context) {
	k := memberKey(c)
	out, err := h.coordinator.Settle(c.Request.Context(), SettleInput{
		GuildID:    k.GuildID,
		UserID:     k.UserID,
		RequestKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, out)
}

type createPromotionRequest struct {
	Code      string          `json:"code" binding:"required"`
	Value     decimal.Decimal `json:"value"`
	MaxUses   *int64          `json:"max_uses"`
	ExpiresAt *time.Time      `json:"expires_at"`
	Rule      string          `json:"rule"`
}

func (h *Handler) CreatePromotion(c *gin.Context) {
	var req createPromotionRequest
	if !bind(c, &req) {
		return
	}

	code, err := h.codes.CreatePromotion(c.Request.Context(), redemption.CreatePromotionInput{
		GuildID:   c.Param("guild_id"),
		Code:      req.Code,
		Value:     req.Value,
		MaxUses:   req.MaxUses,
		ExpiresAt: req.ExpiresAt,
		Rule:      req.Rule,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, code)
}

type createDiscountRequest struct {
	Code         string           `json:"code" binding:"required"`
	Percent      decimal.Decimal  `json:"percent"`
	MaxUses      *int64           `json:"max_uses"`
	PerUserLimit int64            `json:"per_user_limit"`
	MinSpend     *decimal.Decimal `json:"min_spend"`
	ExpiresAt    *time.Time       `json:"expires_at"`
	Rule         string           `json:"rule"`
}

func (h *Handler) CreateDiscount(c *gin.Context) {
	var req createDiscountRequest
	if !bind(c, &req) {
		return
	}

	code, err := h.codes.CreateDiscount(c.Request.Context(), redemption.CreateDiscountInput{
		GuildID:      c.Param("guild_id"),
		Code:         req.Code,
		Percent:      req.Percent,
		MaxUses:      req.MaxUses,
		PerUserLimit: req.PerUserLimit,
		MinSpend:     req.MinSpend,
		ExpiresAt:    req.ExpiresAt,
		Rule:         req.Rule,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, code)
}

func (h *Handler) GetCode(c *gin.Context) {
	code, err := h.codes.Get(c.Request.Context(), c.Param("guild_id"), c.Param("code"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, code)
}

func (h *Handler) DisableCode(c *gin.Context) {
	code, err := h.codes.Disable(c.Request.Context(), c.Param("guild_id"), c.Param("code"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, code)
}

type settingsRequest struct {
	DailyLimit *decimal.Decimal `json:"daily_limit"`
	TaxRate    decimal.Decimal  `json:"tax_rate"`
}

func (h *Handler) PutSettings(c *gin.Context) {
	if h.settings == nil {
		_ = c.Error(errutil.New(errutil.StatusNotImplemented, "guild settings are static in this deployment"))
		return
	}

	var req settingsRequest
	if !bind(c, &req) {
		return
	}

	settings := &policy.GuildSettings{GuildID: c.Param("guild_id"), TaxRate: req.TaxRate}
	if req.DailyLimit != nil {
		settings.DailyLimit = decimal.NewNullDecimal(*req.DailyLimit)
	}
	if err := h.settings.Put(c.Request.Context(), settings); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, settings)
}
