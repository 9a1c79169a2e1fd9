package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/config"
	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/httpclient"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
)

// PayoutProvider hands committed awards to the host payment service. It
// implements payout.Payer. The transaction id is sent as the idempotency
// key so a retried payout is paid once.
type PayoutProvider struct {
	client *httpclient.Client
	logger zerolog.Logger
}

type payoutRequest struct {
	TransactionID string `json:"transaction_id"`
	LevelKey      string `json:"level_key"`
	LevelName     string `json:"level_name"`
	Amount        int64  `json:"amount"`
	AmountText    string `json:"amount_text"`
	PayMethod     string `json:"pay_method"`
	CommittedAt   string `json:"committed_at"`
}

type payoutResponse struct {
	Data struct {
		PaidAmount *int64 `json:"paid_amount"`
	} `json:"data"`
}

// NewPayoutProvider creates a new payout provider
func NewPayoutProvider(cfg *config.Config, logger zerolog.Logger) *PayoutProvider {
	svc := cfg.ExternalServices.PayoutService
	return NewPayoutProviderWithClient(httpclient.New(httpclient.Config{
		BaseURL:    svc.BaseURL,
		Timeout:    svc.Timeout,
		MaxRetries: svc.MaxRetries,
		Logger:     logger,
	}), logger)
}

// NewPayoutProviderWithClient creates a payout provider on an existing client.
func NewPayoutProviderWithClient(client *httpclient.Client, logger zerolog.Logger) *PayoutProvider {
	return &PayoutProvider{
		client: client,
		logger: logger.With().Str("component", "payout_provider").Logger(),
	}
}

// Pay posts the payout and returns the amount the host reports as paid,
// or the committed amount when the host does not report one.
func (p *PayoutProvider) Pay(ctx context.Context, payout progressive.PendingPayout) (int64, error) {
	id := strconv.FormatInt(payout.TransactionID, 10)
	req := payoutRequest{
		TransactionID: id,
		LevelKey:      payout.Key.String(),
		LevelName:     payout.LevelName,
		Amount:        payout.Amount,
		AmountText:    progressive.FormatMillicents(payout.Amount),
		PayMethod:     payout.PayMethod.String(),
		CommittedAt:   payout.CommittedAt.UTC().Format(time.RFC3339Nano),
	}

	var resp payoutResponse
	err := p.client.PostJSON(ctx, "/payouts", req, map[string]string{"Idempotency-Key": id}, &resp)
	if err != nil {
		p.logger.Error().Err(err).Int64("transaction_id", payout.TransactionID).Msg("Payout failed")
		return 0, apperrors.WrapWithDebug(err, apperrors.ErrServiceUnavailable, "payout service failed", fmt.Sprintf("transaction %s", id))
	}

	paid := payout.Amount
	if resp.Data.PaidAmount != nil {
		paid = *resp.Data.PaidAmount
	}
	p.logger.Info().
		Int64("transaction_id", payout.TransactionID).
		Int64("amount", payout.Amount).
		Int64("paid", paid).
		Msg("Payout accepted")
	return paid, nil
}
