package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"custodial-ledger/internal/core/domain"
	"custodial-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultPayoutTimeout = 10 * time.Second

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// LogicalTransferrer settles withdrawals inside the process. The ledger debit
// is the whole movement, so it always succeeds.
type LogicalTransferrer struct {
	log zerolog.Logger
}

// NewLogicalTransferrer creates a new LogicalTransferrer.
func NewLogicalTransferrer(log zerolog.Logger) *LogicalTransferrer {
	return &LogicalTransferrer{log: log}
}

// Transfer implements ports.AssetTransferrer.
func (t *LogicalTransferrer) Transfer(_ context.Context, principal domain.Principal, amount uint64) error {
	t.log.Info().Str("principal", principal.String()).Uint64("amount", amount).Msg("logical payout")
	return nil
}

// PayoutInstruction is the JSON body sent to the custodian.
type PayoutInstruction struct {
	PayoutID      string `json:"payout_id"`
	Principal     string `json:"principal"`
	Amount        uint64 `json:"amount"`
	AmountDecimal string `json:"amount_decimal"`
	Asset         string `json:"asset"`
	Timestamp     int64  `json:"timestamp"`
}

// PayoutConfig configures a PayoutTransferrer.
type PayoutConfig struct {
	URL           string
	SigningSecret string
	Asset         string
	AssetScale    int32
	Timeout       time.Duration
}

// PayoutTransferrer moves value out of custody by posting a signed payout
// instruction to an external custodian. It runs while the ledger lock is held,
// so it makes exactly one attempt.
type PayoutTransferrer struct {
	cfg        PayoutConfig
	sigSvc     ports.SignatureService
	httpClient HTTPClient
	now        func() time.Time
	log        zerolog.Logger
}

// NewPayoutTransferrer creates a new PayoutTransferrer.
func NewPayoutTransferrer(cfg PayoutConfig, sigSvc ports.SignatureService, httpClient HTTPClient, log zerolog.Logger) *PayoutTransferrer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPayoutTimeout
	}
	return &PayoutTransferrer{
		cfg:        cfg,
		sigSvc:     sigSvc,
		httpClient: httpClient,
		now:        time.Now,
		log:        log,
	}
}

// Transfer implements ports.AssetTransferrer. Any transport error or non-2xx
// response means the value did not move.
func (t *PayoutTransferrer) Transfer(ctx context.Context, principal domain.Principal, amount uint64) error {
	// Keep ctx values (the ledger frame) but not the caller's cancellation:
	// a payout already on the wire must get its answer.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.Timeout)
	defer cancel()

	ts := t.now().Unix()
	instr := PayoutInstruction{
		PayoutID:      uuid.NewString(),
		Principal:     principal.String(),
		Amount:        amount,
		AmountDecimal: FormatAmount(amount, t.cfg.AssetScale),
		Asset:         t.cfg.Asset,
		Timestamp:     ts,
	}
	body, err := json.Marshal(instr)
	if err != nil {
		return fmt.Errorf("marshal payout: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", t.sigSvc.SignPayout(t.cfg.SigningSecret, ts, body))
	req.Header.Set("Idempotency-Key", instr.PayoutID)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.log.Warn().Err(err).Str("payout_id", instr.PayoutID).Str("principal", instr.Principal).Msg("payout: delivery failed")
		return fmt.Errorf("payout %s: %w", instr.PayoutID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.log.Warn().Str("payout_id", instr.PayoutID).Int("status", resp.StatusCode).Msg("payout: rejected by custodian")
		return fmt.Errorf("payout %s: custodian responded %d", instr.PayoutID, resp.StatusCode)
	}

	t.log.Info().
		Str("payout_id", instr.PayoutID).
		Str("principal", instr.Principal).
		Str("amount", instr.AmountDecimal).
		Str("asset", instr.Asset).
		Int("status", resp.StatusCode).
		Msg("payout: accepted")
	return nil
}

// FormatAmount renders minor units as a fixed-point decimal with scale places.
func FormatAmount(amount uint64, scale int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -scale).StringFixed(scale)
}

var (
	_ ports.AssetTransferrer = (*LogicalTransferrer)(nil)
	_ ports.AssetTransferrer = (*PayoutTransferrer)(nil)
)
