package meter_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/gemledger"
	"github.com/ineyio/gemledger/meter"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogMeterCharge(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	m := meter.NewLogMeter(&logger)

	m.OnCharge(gemledger.ChargeEvent{Op: gemledger.OpDeduct, UserID: "u1", Feature: "face-swap", Amount: 4, Balance: 6, Duration: time.Millisecond})
	m.OnCharge(gemledger.ChargeEvent{Op: gemledger.OpRefund, UserID: "u1", Amount: 4, Error: errors.New("down")})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "charge", lines[0]["message"])
	assert.Equal(t, "deduct", lines[0]["op"])
	assert.Equal(t, float64(6), lines[0]["balance"])
	assert.Equal(t, "charge_error", lines[1]["message"])
	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "down", lines[1]["error"])
}

func TestLogMeterResultLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	m := meter.NewLogMeter(&logger)

	m.OnResult(gemledger.ResultEvent{UserID: "u1", Feature: "f", Kind: gemledger.KindNone, Charged: true})
	m.OnResult(gemledger.ResultEvent{UserID: "u1", Feature: "f", Kind: gemledger.KindDriftAsymmetry, Drift: true})
	m.OnResult(gemledger.ResultEvent{UserID: "u1", Feature: "f", Kind: gemledger.KindRefundFailure, Error: gemledger.ErrRefundFailed})
	m.OnResult(gemledger.ResultEvent{UserID: "u1", Feature: "f", Kind: gemledger.KindInsufficientFunds, Error: gemledger.ErrInsufficientFunds})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 4)
	assert.Equal(t, "result", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "deduct_first", lines[0]["policy"])
	assert.Equal(t, "drift", lines[1]["message"])
	assert.Equal(t, "refund_failed", lines[2]["message"])
	assert.Equal(t, "error", lines[2]["level"])
	assert.Equal(t, "result_error", lines[3]["message"])
	assert.Equal(t, "insufficient_funds", lines[3]["kind"])
}
