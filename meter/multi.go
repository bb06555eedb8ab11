package meter

import "github.com/ronitervo/creditledger"

// Multi fans every event out to all meters in order.
type Multi []creditledger.Meter

var _ creditledger.Meter = Multi(nil)

func (m Multi) OnReserve(e creditledger.ReserveEvent) {
	for _, mm := range m {
		mm.OnReserve(e)
	}
}

func (m Multi) OnSettle(e creditledger.SettleEvent) {
	for _, mm := range m {
		mm.OnSettle(e)
	}
}

func (m Multi) OnRollback(e creditledger.RollbackEvent) {
	for _, mm := range m {
		mm.OnRollback(e)
	}
}

func (m Multi) OnGenerate(e creditledger.GenerateEvent) {
	for _, mm := range m {
		mm.OnGenerate(e)
	}
}

func (m Multi) OnPurchase(e creditledger.PurchaseEvent) {
	for _, mm := range m {
		mm.OnPurchase(e)
	}
}
