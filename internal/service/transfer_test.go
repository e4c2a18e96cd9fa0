package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"custodial-ledger/internal/core/domain"
	"custodial-ledger/internal/core/ports/mocks"
	"custodial-ledger/internal/ledger"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// mockHTTPClient implements HTTPClient for testing.
type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func respond(status int) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader("{}"))}, nil
	}
}

var testPayoutConfig = PayoutConfig{
	URL:           "https://custodian.example.com/payouts",
	SigningSecret: "payout-secret",
	Asset:         "USD",
	AssetScale:    2,
	Timeout:       time.Second,
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount uint64
		scale  int32
		want   string
	}{
		{12345, 2, "123.45"},
		{5, 2, "0.05"},
		{100, 0, "100"},
		{1, 8, "0.00000001"},
		{18446744073709551615, 2, "184467440737095516.15"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAmount(tt.amount, tt.scale))
	}
}

func TestLogicalTransferrer_AlwaysSucceeds(t *testing.T) {
	tr := NewLogicalTransferrer(zerolog.Nop())
	assert.NoError(t, tr.Transfer(context.Background(), "alice", 10))
}

func TestPayoutTransferrer_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	sigSvc := mocks.NewMockSignatureService(ctrl)

	var captured *http.Request
	var body []byte
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		body, _ = io.ReadAll(req.Body)
		return respond(http.StatusAccepted)(req)
	}}

	tr := NewPayoutTransferrer(testPayoutConfig, sigSvc, client, zerolog.Nop())
	tr.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	sigSvc.EXPECT().SignPayout("payout-secret", int64(1_700_000_000), gomock.Any()).Return("sig-abc")

	require.NoError(t, tr.Transfer(context.Background(), "alice", 12345))

	require.NotNil(t, captured)
	assert.Equal(t, http.MethodPost, captured.Method)
	assert.Equal(t, testPayoutConfig.URL, captured.URL.String())
	assert.Equal(t, "sig-abc", captured.Header.Get("X-Signature"))
	assert.Equal(t, "1700000000", captured.Header.Get("X-Timestamp"))
	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))

	var instr PayoutInstruction
	require.NoError(t, json.Unmarshal(body, &instr))
	assert.Equal(t, "alice", instr.Principal)
	assert.Equal(t, uint64(12345), instr.Amount)
	assert.Equal(t, "123.45", instr.AmountDecimal)
	assert.Equal(t, "USD", instr.Asset)
	assert.Equal(t, int64(1_700_000_000), instr.Timestamp)
	assert.Equal(t, instr.PayoutID, captured.Header.Get("Idempotency-Key"))
}

func TestPayoutTransferrer_Failures(t *testing.T) {
	tests := []struct {
		name   string
		doFunc func(*http.Request) (*http.Response, error)
		want   string
	}{
		{"non-2xx", respond(http.StatusUnprocessableEntity), "custodian responded 422"},
		{"server error", respond(http.StatusInternalServerError), "custodian responded 500"},
		{"transport", func(*http.Request) (*http.Response, error) { return nil, errors.New("connection reset") }, "connection reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			sigSvc := mocks.NewMockSignatureService(ctrl)
			sigSvc.EXPECT().SignPayout(gomock.Any(), gomock.Any(), gomock.Any()).Return("sig")

			calls := 0
			client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
				calls++
				return tt.doFunc(req)
			}}
			tr := NewPayoutTransferrer(testPayoutConfig, sigSvc, client, zerolog.Nop())

			err := tr.Transfer(context.Background(), "alice", 1)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, 1, calls, "no retries")
		})
	}
}

func TestPayoutTransferrer_IgnoresCallerCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	sigSvc := mocks.NewMockSignatureService(ctrl)
	sigSvc.EXPECT().SignPayout(gomock.Any(), gomock.Any(), gomock.Any()).Return("sig")

	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		assert.NoError(t, req.Context().Err())
		_, hasDeadline := req.Context().Deadline()
		assert.True(t, hasDeadline)
		return respond(http.StatusOK)(req)
	}}
	tr := NewPayoutTransferrer(testPayoutConfig, sigSvc, client, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, tr.Transfer(ctx, "alice", 1))
}

func TestPayoutTransferrer_RejectionRevertsWithdrawal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	sigSvc := mocks.NewMockSignatureService(ctrl)
	sigSvc.EXPECT().SignPayout(gomock.Any(), gomock.Any(), gomock.Any()).Return("sig")

	tr := NewPayoutTransferrer(testPayoutConfig, sigSvc, &mockHTTPClient{doFunc: respond(http.StatusBadRequest)}, zerolog.Nop())
	l := ledger.New(ledger.Config{WithdrawalLimit: 100, BankCap: 1000}, ledger.WithTransferrer(tr))
	ctx := context.Background()
	_, err := l.Deposit(ctx, "alice", 80)
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, "alice", 50)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, uint64(80), l.BalanceOf(ctx, "alice"))
	assert.Equal(t, uint64(0), l.WithdrawalCount(ctx))
}
