package meter

import "github.com/ronitervo/creditledger"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditledger.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnReserve(creditledger.ReserveEvent)   {}
func (m *NoopMeter) OnSettle(creditledger.SettleEvent)     {}
func (m *NoopMeter) OnRollback(creditledger.RollbackEvent) {}
func (m *NoopMeter) OnGenerate(creditledger.GenerateEvent) {}
func (m *NoopMeter) OnPurchase(creditledger.PurchaseEvent) {}
