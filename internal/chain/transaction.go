package chain

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/mr-tron/base58"
)

// ComputeBudgetProgramID is Solana's compute-budget system program.
const ComputeBudgetProgramID = "ComputeBudget111111111111111111111111111111"

// TransactionBuilder assembles the compute-budget instructions and signs
// the versioned transaction bytes Jupiter returns.
type TransactionBuilder struct {
	wallet              *Wallet
	blockhashCache      *BlockhashCache
	priorityFeeLamports uint64
	computeUnitLimit    uint32
}

// NewTransactionBuilder constructs a builder for wallet, reading
// blockhashes from cache and pricing at priorityFeeLamports per
// transaction.
func NewTransactionBuilder(wallet *Wallet, blockhashCache *BlockhashCache, priorityFeeLamports uint64) *TransactionBuilder {
	return &TransactionBuilder{
		wallet:              wallet,
		blockhashCache:      blockhashCache,
		priorityFeeLamports: priorityFeeLamports,
		computeUnitLimit:    600_000,
	}
}

// SetComputeUnitLimit overrides the default compute unit limit.
func (b *TransactionBuilder) SetComputeUnitLimit(limit uint32) { b.computeUnitLimit = limit }

// BuildComputeBudgetInstructions returns the raw SetComputeUnitLimit and
// SetComputeUnitPrice instruction payloads.
func (b *TransactionBuilder) BuildComputeBudgetInstructions() (setLimit []byte, setPrice []byte) {
	setLimit = make([]byte, 5)
	setLimit[0] = 2
	binary.LittleEndian.PutUint32(setLimit[1:], b.computeUnitLimit)

	microLamportsPerCU := (b.priorityFeeLamports * 1_000_000) / uint64(b.computeUnitLimit)
	setPrice = make([]byte, 9)
	setPrice[0] = 3
	binary.LittleEndian.PutUint64(setPrice[1:], microLamportsPerCU)
	return setLimit, setPrice
}

// ComputeBudgetProgramIDBytes decodes the compute budget program ID.
func ComputeBudgetProgramIDBytes() []byte {
	b, _ := base58.Decode(ComputeBudgetProgramID)
	return b
}

// SignSerializedTransaction signs a base64-encoded versioned transaction
// returned by the aggregator, filling in the wallet's signature slot.
func (b *TransactionBuilder) SignSerializedTransaction(serializedTxBase64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return "", err
	}

	sigCount := int(txBytes[0])
	if sigCount == 0 {
		message := txBytes[1:]
		signature := b.wallet.Sign(message)
		signedTx := make([]byte, 1+64+len(message))
		signedTx[0] = 1
		copy(signedTx[1:65], signature)
		copy(signedTx[65:], message)
		return base64.StdEncoding.EncodeToString(signedTx), nil
	}

	sigOffset := 1
	messageOffset := sigOffset + sigCount*64
	message := txBytes[messageOffset:]
	signature := b.wallet.Sign(message)
	copy(txBytes[sigOffset:sigOffset+64], signature)
	return base64.StdEncoding.EncodeToString(txBytes), nil
}

// GetRecentBlockhash returns the current cached blockhash.
func (b *TransactionBuilder) GetRecentBlockhash() (string, error) {
	return b.blockhashCache.Get()
}
