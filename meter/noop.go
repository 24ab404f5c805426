package meter

import "github.com/ineyio/gemledger"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ gemledger.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnCharge(gemledger.ChargeEvent) {}
func (m *NoopMeter) OnResult(gemledger.ResultEvent) {}
