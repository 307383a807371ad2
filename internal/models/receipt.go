package models

// TxReceipt is the confirmed outcome of a submitted transaction
type TxReceipt struct {
	TxHash      string `json:"txHash"`
	Success     bool   `json:"success"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}
