// Command checktx looks up a transaction signature's confirmation
// status against the configured RPC endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"treasury-engine/internal/chain"
	"treasury-engine/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: checktx <signature>")
		os.Exit(1)
	}
	txSig := os.Args[1]

	fmt.Printf("checking %s\n\n", txSig)

	cfgMgr, err := config.NewManager("config.yaml")
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgMgr.Get()

	rpc := chain.New(cfgMgr.RPCURL(), cfg.RPC.FallbackURL, cfgMgr.RPCAPIKey())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := rpc.CheckTransaction(ctx, txSig)
	if err != nil {
		fmt.Printf("rpc error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("status:       %s\n", result.Status)
	fmt.Printf("message:      %s\n", result.Message)

	switch result.Status {
	case "SUCCESS":
		fmt.Printf("slot:         %d\n", result.Slot)
		fmt.Printf("confirmations: %d\n", result.Confirmations)
		fmt.Printf("confirmation:  %s\n", result.ConfirmationStatus)
	case "FAILED":
		fmt.Printf("error details: %+v\n", result.ErrorDetails)
	}
}
