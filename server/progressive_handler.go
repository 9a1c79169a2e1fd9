package server

import (
	"context"
	"strconv"

	"github.com/Digital-Creators-Team/progressive-core/auth"
	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/Digital-Creators-Team/progressive-core/pkg/claim"
	"github.com/Digital-Creators-Team/progressive-core/pkg/jackpot"
	"github.com/Digital-Creators-Team/progressive-core/pkg/linked"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var progressiveFilterAll = progressive.Filter{}

// ProgressiveHandler exposes jackpot.Service operations over HTTP.
type ProgressiveHandler struct {
	svc    *jackpot.Service
	app    *App
	logger zerolog.Logger
}

// NewProgressiveHandler creates a progressive handler.
func NewProgressiveHandler(app *App, svc *jackpot.Service) *ProgressiveHandler {
	return &ProgressiveHandler{
		svc:    svc,
		app:    app,
		logger: app.logger.With().Str("handler", "progressive").Logger(),
	}
}

// CommitBody finalizes an award. A zero win amount awards the hit value.
type CommitBody struct {
	WinAmount int64  `json:"win_amount"`
	PayMethod string `json:"pay_method"`
}

// CommitAckBody confirms payment of a committed award.
type CommitAckBody struct {
	PaidAmount int64 `json:"paid_amount"`
}

// FailBody names why a transaction failed.
type FailBody struct {
	Code string `json:"code" binding:"required"`
}

// LinkedLevelsBody carries a protocol's level refresh.
type LinkedLevelsBody struct {
	Levels []linked.LinkedLevel `json:"levels" binding:"required"`
}

// LinkedClaimBody addresses one linked level.
type LinkedClaimBody struct {
	LevelName string `json:"level_name" binding:"required"`
	WinAmount int64  `json:"win_amount"`
}

// LinkStatusBody reports the protocol link state.
type LinkStatusBody struct {
	Up *bool `json:"up" binding:"required"`
}

// BulkContributionBody funds one level outside of wagers.
type BulkContributionBody struct {
	Key    progressive.LevelKey `json:"key"`
	Amount int64                `json:"amount"`
}

// LevelValuesBody carries values from an external value feed.
type LevelValuesBody struct {
	Updates []progressive.LevelUpdate `json:"updates" binding:"required"`
}

// LevelConfigBody replaces the configuration of one pack/game/denom batch.
type LevelConfigBody struct {
	Pack   string              `json:"progressive_pack_name" binding:"required"`
	GameID int                 `json:"game_id"`
	Denom  int64               `json:"denom"`
	Levels []progressive.Level `json:"levels" binding:"required"`
}

// EndRoundBody names the game/denom whose round ended.
type EndRoundBody struct {
	GameID int   `json:"game_id"`
	Denom  int64 `json:"denom"`
}

// GetLevels lists levels matching pack, game, denom and wager_credits.
// Route: GET /api/progressives/levels
func (h *ProgressiveHandler) GetLevels(c *gin.Context) {
	var filter progressive.Filter
	filter.PackName = c.Query("pack")

	var err error
	if filter.GameID, err = queryInt(c, "game"); err != nil {
		BadRequest(c, err)
		return
	}
	if filter.Denom, err = queryInt64(c, "denom"); err != nil {
		BadRequest(c, err)
		return
	}
	if filter.WagerCredits, err = queryInt64(c, "wager_credits"); err != nil {
		BadRequest(c, err)
		return
	}

	OK(c, h.svc.GetProgressiveLevels(filter))
}

// ListTransactions lists open transactions (?open=true) or the history of
// one level identified by pack, pack_id, progressive_id, game, denom, level.
// Route: GET /api/progressives/transactions
func (h *ProgressiveHandler) ListTransactions(c *gin.Context) {
	coord := h.svc.Coordinator()
	if open, _ := strconv.ParseBool(c.Query("open")); open {
		txs, err := coord.Open(c.Request.Context())
		if err != nil {
			HandleAppError(c, err)
			return
		}
		OK(c, txs)
		return
	}

	key, err := levelKeyFromQuery(c)
	if err != nil {
		BadRequest(c, err)
		return
	}
	txs, err := coord.History(c.Request.Context(), key)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, txs)
}

// GetTransaction returns one transaction.
// Route: GET /api/progressives/transactions/:id
func (h *ProgressiveHandler) GetTransaction(c *gin.Context) {
	id, ok := transactionID(c)
	if !ok {
		return
	}
	tx, err := h.svc.Coordinator().Get(c.Request.Context(), id)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, tx)
}

// Acknowledge moves a hit to pending.
// Route: POST /api/progressives/transactions/:id/acknowledge
func (h *ProgressiveHandler) Acknowledge(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id int64) (progressive.TransactionView, error) {
		return h.svc.Coordinator().Acknowledge(ctx, id)
	})
}

// Commit finalizes a pending transaction.
// Route: POST /api/progressives/transactions/:id/commit
func (h *ProgressiveHandler) Commit(c *gin.Context) {
	var body CommitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	method, err := parsePayMethod(body.PayMethod)
	if err != nil {
		BadRequest(c, err)
		return
	}
	h.transition(c, func(ctx context.Context, id int64) (progressive.TransactionView, error) {
		return h.svc.Coordinator().Commit(ctx, id, claim.CommitRequest{WinAmount: body.WinAmount, PayMethod: method})
	})
}

// CommitAck confirms payment of a committed transaction.
// Route: POST /api/progressives/transactions/:id/commit-ack
func (h *ProgressiveHandler) CommitAck(c *gin.Context) {
	var body CommitAckBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	h.transition(c, func(ctx context.Context, id int64) (progressive.TransactionView, error) {
		return h.svc.Coordinator().AcknowledgeCommit(ctx, id, body.PaidAmount)
	})
}

// Fail fails an open transaction with an exception code.
// Route: POST /api/progressives/transactions/:id/fail
func (h *ProgressiveHandler) Fail(c *gin.Context) {
	var body FailBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	code, err := parseExceptionCode(body.Code)
	if err != nil {
		BadRequest(c, err)
		return
	}
	h.transition(c, func(ctx context.Context, id int64) (progressive.TransactionView, error) {
		return h.svc.Coordinator().Fail(ctx, id, code)
	})
}

// Cancel cancels a transaction that has not been committed.
// Route: POST /api/progressives/transactions/:id/cancel
func (h *ProgressiveHandler) Cancel(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id int64) (progressive.TransactionView, error) {
		return h.svc.Coordinator().Cancel(ctx, id)
	})
}

// transition runs op on the transaction named in the path. A linked
// transaction may only be driven by the protocol that brokers it.
func (h *ProgressiveHandler) transition(c *gin.Context, op func(context.Context, int64) (progressive.TransactionView, error)) {
	id, ok := transactionID(c)
	if !ok {
		return
	}
	protocol, _ := auth.GetProtocol(c)
	ctx := c.Request.Context()

	current, err := h.svc.Coordinator().Get(ctx, id)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if assigned := current.AssignedProgressiveID; assigned.Type == progressive.AssignableLinked {
		if owner := h.svc.Adapter().Owner(assigned.Key); owner != protocol {
			HandleAppError(c, apperrors.Newf(apperrors.ErrNotAuthorizedForProtocol, "transaction belongs to another protocol",
				"transaction %d owned by %s, caller %s", id, owner, protocol))
			return
		}
	}

	tx, err := op(ctx, id)
	if err != nil {
		logger := logging.WithTransactionID(logging.WithProtocol(h.logger, protocol), id)
		logger.Warn().
			Err(err).
			Str("path", c.FullPath()).
			Msg("Transaction operation rejected")
		HandleAppError(c, err)
		return
	}
	OK(c, tx)
}

// GetLinkedLevels lists the caller's linked levels.
// Route: GET /api/progressives/linked/levels
func (h *ProgressiveHandler) GetLinkedLevels(c *gin.Context) {
	protocol, _ := auth.GetProtocol(c)
	OK(c, h.svc.Adapter().GetLinkedLevels(protocol))
}

// UpdateLinkedLevels pushes new linked level values from the caller.
// Route: POST /api/progressives/linked/levels
func (h *ProgressiveHandler) UpdateLinkedLevels(c *gin.Context) {
	var body LinkedLevelsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	protocol, _ := auth.GetProtocol(c)

	levels, err := h.svc.Adapter().UpdateLinkedProgressiveLevels(c.Request.Context(), protocol, body.Levels)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, levels)
}

// ClaimLinked claims the oldest hit on a linked level.
// Route: POST /api/progressives/linked/claim
func (h *ProgressiveHandler) ClaimLinked(c *gin.Context) {
	h.linkedOp(c, func(ctx context.Context, protocol string, body LinkedClaimBody) (progressive.TransactionView, error) {
		return h.svc.Adapter().ClaimLinkedProgressiveLevel(ctx, protocol, body.LevelName)
	})
}

// AwardLinked commits the claimed transaction of a linked level.
// Route: POST /api/progressives/linked/award
func (h *ProgressiveHandler) AwardLinked(c *gin.Context) {
	h.linkedOp(c, func(ctx context.Context, protocol string, body LinkedClaimBody) (progressive.TransactionView, error) {
		return h.svc.Adapter().AwardLinkedProgressiveLevel(ctx, protocol, body.LevelName, body.WinAmount)
	})
}

// ClaimAndAwardLinked claims and commits a linked level in one step.
// Route: POST /api/progressives/linked/claim-award
func (h *ProgressiveHandler) ClaimAndAwardLinked(c *gin.Context) {
	h.linkedOp(c, func(ctx context.Context, protocol string, body LinkedClaimBody) (progressive.TransactionView, error) {
		return h.svc.Adapter().ClaimAndAwardLinkedProgressiveLevel(ctx, protocol, body.LevelName, body.WinAmount)
	})
}

func (h *ProgressiveHandler) linkedOp(c *gin.Context, op func(context.Context, string, LinkedClaimBody) (progressive.TransactionView, error)) {
	var body LinkedClaimBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	if body.WinAmount < 0 {
		BadRequest(c, apperrors.New(apperrors.ErrInvalidRequest, "win_amount must not be negative"))
		return
	}
	protocol, _ := auth.GetProtocol(c)

	tx, err := op(c.Request.Context(), protocol, body)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, tx)
}

// SetLinkStatus records the caller's link going up or down.
// Route: POST /api/progressives/links/status
func (h *ProgressiveHandler) SetLinkStatus(c *gin.Context) {
	var body LinkStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	protocol, _ := auth.GetProtocol(c)

	if err := h.svc.Adapter().SetLinkStatus(c.Request.Context(), protocol, *body.Up); err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, gin.H{"protocol_name": protocol, "up": *body.Up})
}

// ProcessWager applies one committed wager.
// Route: POST /api/progressives/wagers
func (h *ProgressiveHandler) ProcessWager(c *gin.Context) {
	var w progressive.Wager
	if err := c.ShouldBindJSON(&w); err != nil {
		BadRequest(c, err)
		return
	}
	result, err := h.svc.ProcessWager(c.Request.Context(), w)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, result)
}

// AddBulkContribution funds a level directly.
// Route: POST /api/progressives/levels/contributions
func (h *ProgressiveHandler) AddBulkContribution(c *gin.Context) {
	var body BulkContributionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	view, err := h.svc.AddBulkContribution(c.Request.Context(), body.Key, body.Amount)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, view)
}

// ApplyLevelValues sets level values from a value feed, all or nothing.
// Route: POST /api/progressives/levels/values
func (h *ProgressiveHandler) ApplyLevelValues(c *gin.Context) {
	var body LevelValuesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	views, err := h.svc.ApplyLevelUpdates(c.Request.Context(), body.Updates)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, views)
}

// UpdateLevels replaces level configuration.
// Route: PUT /api/progressives/levels
func (h *ProgressiveHandler) UpdateLevels(c *gin.Context) {
	var body LevelConfigBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	views, err := h.svc.UpdateLevels(c.Request.Context(), body.Pack, body.GameID, body.Denom, body.Levels)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	h.logger.Info().Str("pack", body.Pack).Int("game_id", body.GameID).Int64("denom", body.Denom).Int("levels", len(views)).Msg("Level configuration updated")
	OK(c, views)
}

// EndRound returns the active levels of a game/denom to Ready.
// Route: POST /api/progressives/rounds/end
func (h *ProgressiveHandler) EndRound(c *gin.Context) {
	var body EndRoundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err)
		return
	}
	views, err := h.svc.EndRound(c.Request.Context(), body.GameID, body.Denom)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, views)
}

func transactionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(c, apperrors.New(apperrors.ErrInvalidRequest, "invalid transaction id"))
		return 0, false
	}
	return id, true
}

func queryInt64(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.Newf(apperrors.ErrInvalidRequest, "invalid "+name, "value %q", raw)
	}
	return v, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	v, err := queryInt64(c, name)
	return int(v), err
}

func levelKeyFromQuery(c *gin.Context) (progressive.LevelKey, error) {
	key := progressive.LevelKey{PackName: c.Query("pack")}
	if key.PackName == "" {
		return key, apperrors.New(apperrors.ErrInvalidRequest, "open=true or a level key is required")
	}
	var err error
	if key.PackID, err = queryInt(c, "pack_id"); err != nil {
		return key, err
	}
	if key.ProgressiveID, err = queryInt(c, "progressive_id"); err != nil {
		return key, err
	}
	if key.GameID, err = queryInt(c, "game"); err != nil {
		return key, err
	}
	if key.Denom, err = queryInt64(c, "denom"); err != nil {
		return key, err
	}
	if key.LevelID, err = queryInt(c, "level"); err != nil {
		return key, err
	}
	return key, nil
}

// parsePayMethod accepts a method name in any case; empty means handpay.
func parsePayMethod(name string) (progressive.PayMethod, error) {
	if name == "" {
		return progressive.PayHandpay, nil
	}
	m, ok := progressive.ParsePayMethod(name)
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrInvalidRequest, "unknown pay_method", "pay_method %q", name)
	}
	return m, nil
}

func parseExceptionCode(name string) (progressive.ExceptionCode, error) {
	code, ok := progressive.ParseExceptionCode(name)
	if !ok || code == progressive.ExceptionNone {
		return 0, apperrors.Newf(apperrors.ErrInvalidRequest, "unknown exception code", "code %q", name)
	}
	return code, nil
}
