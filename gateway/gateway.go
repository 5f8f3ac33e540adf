// Package gateway defines the narrow blockchain-gateway interface C7
// (Broadcasting -> Confirmed) depends on. Bitcoin transaction
// construction, fee estimation and UTXO management are out of scope for
// this core; the interface treats a transaction as an opaque payload plus
// a set of sighashes, exactly as spec.md's scope line describes.
package gateway

import "context"

// UTXO is the minimal shape the gateway reports back, enough for the
// voting/signing pipeline to bind a signature to the inputs it covers.
type UTXO struct {
	TxID  string
	Index uint32
	Value int64
}

// FeeEstimate is a simple sat/vbyte figure; the core never computes this
// itself, it only consumes whatever the external gateway reports.
type FeeEstimate struct {
	SatsPerVByte float64
}

// Client is the external collaborator this core calls into once a
// transaction reaches the broadcasting state.
type Client interface {
	GetUTXOs(ctx context.Context, address string) ([]UTXO, error)
	Broadcast(ctx context.Context, rawTx []byte) (txID string, err error)
	GetConfirmations(ctx context.Context, txID string) (int, error)
	GetFeeEstimate(ctx context.Context) (FeeEstimate, error)
}
