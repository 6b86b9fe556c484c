// Command wstest dials the configured RPC websocket endpoint and
// subscribes to the native SOL mint account as a connectivity check,
// using internal/websocket.Dial's connect-once-and-read-loop shape.
package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	ws "treasury-engine/internal/websocket"
)

const solMint = "So11111111111111111111111111111111111111112"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	wsURL := os.Getenv("TREASURY_WS_URL")
	if wsURL == "" {
		log.Fatal().Msg("TREASURY_WS_URL must be set")
	}

	log.Info().Msg("connecting")
	client, err := ws.Dial(wsURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connection failed")
	}
	defer client.Close()
	log.Info().Msg("connected")

	subID, err := client.AccountSubscribe(solMint, func(data json.RawMessage) {
		log.Info().RawJSON("data", data).Msg("account update received")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe failed")
	}
	log.Info().Uint64("subID", subID).Msg("subscribed to SOL mint, press Ctrl+C to exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("closing")
}
