package health

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/settlement"
)

// Pinger is anything with a round-trip liveness ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SettlementNetwork checks that the settlement network is reachable.
func SettlementNetwork(exec settlement.Executor) Check {
	return Check{Name: "settlement_network", Fn: exec.Ping}
}

// FeeReserve checks that the fee reserve covers at least min.
func FeeReserve(exec settlement.Executor, min decimal.Decimal) Check {
	return Check{
		Name: "fee_reserve",
		Fn: func(ctx context.Context) error {
			reserve, err := exec.FeeReserve(ctx)
			if err != nil {
				return err
			}
			if reserve.LessThan(min) {
				return fmt.Errorf("fee reserve %s below minimum %s", reserve, min)
			}
			return nil
		},
	}
}

// Ledger checks the ledger store round-trip.
func Ledger(p Pinger) Check {
	return Check{Name: "ledger", Fn: p.Ping}
}
