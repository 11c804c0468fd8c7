package ledger

import "go.uber.org/fx"

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
)

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Wallet{}, &LedgerEntry{}, &PendingEarning{}}
}
