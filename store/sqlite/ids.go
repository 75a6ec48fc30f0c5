package sqlite

import (
	"github.com/google/uuid"
	"github.com/sunpeak/settlement-engine/ledger"
)

// newWalletID mints a wallet identifier. Prefixed so ids are recognizable
// in logs and support queries.
func newWalletID() ledger.WalletID {
	return ledger.WalletID("wal_" + uuid.NewString())
}
