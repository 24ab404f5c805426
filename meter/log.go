package meter

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ineyio/gemledger"
)

// LogMeter logs ledger events using zerolog.
type LogMeter struct {
	Logger zerolog.Logger
}

var _ gemledger.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, the global zerolog logger is used.
func NewLogMeter(logger *zerolog.Logger) *LogMeter {
	if logger == nil {
		logger = &log.Logger
	}
	return &LogMeter{Logger: *logger}
}

func (m *LogMeter) OnCharge(e gemledger.ChargeEvent) {
	if e.Error != nil {
		m.Logger.Warn().
			Str("op", string(e.Op)).
			Str("user", e.UserID).
			Str("feature", e.Feature).
			Int64("amount", e.Amount).
			Str("reason", e.Reason).
			Int64("duration_ms", e.Duration.Milliseconds()).
			Err(e.Error).
			Msg("charge_error")
		return
	}
	m.Logger.Info().
		Str("op", string(e.Op)).
		Str("user", e.UserID).
		Str("feature", e.Feature).
		Int64("amount", e.Amount).
		Int64("balance", e.Balance).
		Str("reason", e.Reason).
		Int64("duration_ms", e.Duration.Milliseconds()).
		Msg("charge")
}

func (m *LogMeter) OnResult(e gemledger.ResultEvent) {
	var ev *zerolog.Event
	msg := "result"
	switch e.Kind {
	case gemledger.KindNone:
		ev = m.Logger.Info()
	case gemledger.KindDriftAsymmetry:
		ev = m.Logger.Warn()
		msg = "drift"
	case gemledger.KindRefundFailure:
		ev = m.Logger.Error()
		msg = "refund_failed"
	default:
		ev = m.Logger.Warn()
		msg = "result_error"
	}

	ev = ev.
		Str("user", e.UserID).
		Str("feature", e.Feature).
		Str("policy", e.Policy.String()).
		Bool("charged", e.Charged).
		Int64("amount", e.Amount).
		Int64("balance", e.Balance).
		Int64("duration_ms", e.Duration.Milliseconds())
	if e.Error != nil {
		ev = ev.Str("kind", e.Kind.String()).Err(e.Error)
	}
	ev.Msg(msg)
}
