// Command treasuryctl is the operator CLI for the treasury engine's
// command surface: each subcommand is a thin HTTP client against
// internal/api.Server's routes, authenticating with the same
// X-Admin-ID header the server itself checks. One package-level
// *cobra.Command per operation, flags bound via package-level vars,
// Execute() called at the bottom of main.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	adminID    string
)

var rootCmd = &cobra.Command{
	Use:   "treasuryctl",
	Short: "treasuryctl drives the treasury engine's command surface over HTTP.",
}

func requireAdminID() string {
	if adminID != "" {
		return adminID
	}
	if v := os.Getenv("TREASURY_ADMIN_ID"); v != "" {
		return v
	}
	fmt.Fprintln(os.Stderr, "error: --admin-id or TREASURY_ADMIN_ID is required for this command")
	os.Exit(1)
	return ""
}

func doRequest(method, path string, body interface{}, needsAdmin bool) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		requireNoError(err)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverAddr+path, reader)
	requireNoError(err)
	req.Header.Set("Content-Type", "application/json")
	if needsAdmin {
		req.Header.Set("X-Admin-ID", requireAdminID())
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	requireNoError(err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	requireNoError(err)

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func requireNoError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var (
	openMint           string
	openSymbol         string
	openAmountUSD      float64
	openSentimentGrade string
	openSentimentScore float64
	openSlippageBps    int
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a new position",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodPost, "/open", map[string]interface{}{
			"mint":            openMint,
			"symbol":          openSymbol,
			"amount_usd":      openAmountUSD,
			"sentiment_grade": openSentimentGrade,
			"sentiment_score": openSentimentScore,
			"slippage_bps":    openSlippageBps,
		}, true)
	},
}

var (
	closePositionID  string
	closeReason      string
	closeSlippageBps int
)

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close an open position",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodPost, "/close", map[string]interface{}{
			"position_id":  closePositionID,
			"reason":       closeReason,
			"slippage_bps": closeSlippageBps,
		}, true)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show portfolio value and emergency state",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodGet, "/status", nil, false)
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List open positions",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodGet, "/positions", nil, false)
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List closed positions",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodGet, fmt.Sprintf("/history?limit=%d", historyLimit), nil, false)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile tracked positions against on-chain balances",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodPost, "/reconcile", nil, true)
	},
}

var (
	estopLevel  string
	estopReason string
	estopUnwind string
)

var emergencyStopCmd = &cobra.Command{
	Use:   "emergency-stop",
	Short: "Escalate the emergency stop level (SOFT_STOP, HARD_STOP, or KILL_SWITCH)",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodPost, "/emergency-stop", map[string]interface{}{
			"level":  estopLevel,
			"reason": estopReason,
			"unwind": estopUnwind,
		}, true)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume trading, clearing the emergency stop",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodPost, "/resume", nil, true)
	},
}

var (
	tokenMint   string
	tokenReason string
)

var pauseTokenCmd = &cobra.Command{
	Use:   "pause-token",
	Short: "Pause trading for a single mint",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodPost, "/pause-token", map[string]interface{}{
			"mint":   tokenMint,
			"reason": tokenReason,
		}, true)
	},
}

var resumeTokenCmd = &cobra.Command{
	Use:   "resume-token",
	Short: "Resume trading for a paused mint",
	Run: func(cmd *cobra.Command, args []string) {
		doRequest(http.MethodPost, "/resume-token", map[string]interface{}{
			"mint": tokenMint,
		}, true)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8787", "command surface base URL")
	rootCmd.PersistentFlags().StringVar(&adminID, "admin-id", "", "admin ID for mutating commands (falls back to TREASURY_ADMIN_ID)")

	openCmd.Flags().StringVar(&openMint, "mint", "", "mint address")
	openCmd.Flags().StringVar(&openSymbol, "symbol", "", "token symbol (resolved to a mint server-side if --mint is empty)")
	openCmd.Flags().Float64Var(&openAmountUSD, "amount-usd", 0, "USD notional to open")
	openCmd.Flags().StringVar(&openSentimentGrade, "grade", "", "sentiment grade (A/B/C/D)")
	openCmd.Flags().Float64Var(&openSentimentScore, "score", 0, "sentiment score")
	openCmd.Flags().IntVar(&openSlippageBps, "slippage-bps", 100, "max acceptable slippage in basis points")

	closeCmd.Flags().StringVar(&closePositionID, "id", "", "position ID")
	closeCmd.Flags().StringVar(&closeReason, "reason", "", "close reason")
	closeCmd.Flags().IntVar(&closeSlippageBps, "slippage-bps", 100, "max acceptable slippage in basis points")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "max rows to return")

	emergencyStopCmd.Flags().StringVar(&estopLevel, "level", "", "SOFT_STOP | HARD_STOP | KILL_SWITCH")
	emergencyStopCmd.Flags().StringVar(&estopReason, "reason", "", "reason for the escalation")
	emergencyStopCmd.Flags().StringVar(&estopUnwind, "unwind", "", "IMMEDIATE | GRACEFUL | SCHEDULED | MANUAL")

	pauseTokenCmd.Flags().StringVar(&tokenMint, "mint", "", "mint address")
	pauseTokenCmd.Flags().StringVar(&tokenReason, "reason", "", "reason for the pause")
	resumeTokenCmd.Flags().StringVar(&tokenMint, "mint", "", "mint address")

	rootCmd.AddCommand(openCmd, closeCmd, statusCmd, positionsCmd, historyCmd, reconcileCmd,
		emergencyStopCmd, resumeCmd, pauseTokenCmd, resumeTokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
