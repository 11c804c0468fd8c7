package taskname

const (
	// Wallet tasks
	WalletTransferReceived = "wallet:transfer:received"
)
