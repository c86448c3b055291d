package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var rpcCall = callRPC

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "release":
		return runRelease(args[1:], stdout, stderr)
	case "refund":
		return runRefund(args[1:], stdout, stderr)
	case "batch-release":
		return runBatchRelease(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "stats":
		return runStats(args[1:], stdout, stderr)
	case "quote":
		return runQuote(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli <command> [flags]

Commands:
  create         Create a new escrow
  release        Release an escrow to the beneficiary
  refund         Refund an expired escrow to the depositor
  batch-release  Release several escrows in one call
  get            Fetch escrow details by id
  stats          Fetch an agent's reputation and fee rate
  quote          Preview the fee for a prospective escrow
  events         Tail the event journal

The daemon endpoint is taken from ESCROWD_RPC_URL (default http://localhost:8545).
Mutating commands send the bearer token from ESCROWD_RPC_TOKEN.`)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func printResult(stdout io.Writer, result json.RawMessage) int {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(stdout, string(result))
		return 0
	}
	fmt.Fprintln(stdout, pretty.String())
	return 0
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		depositor   string
		beneficiary string
		amount      string
		deadline    string
	)
	fs.StringVar(&depositor, "depositor", "", "depositor bech32 address")
	fs.StringVar(&beneficiary, "beneficiary", "", "beneficiary bech32 address")
	fs.StringVar(&amount, "amount", "", "gross amount in base units")
	fs.StringVar(&deadline, "deadline", "", "deadline as +duration or RFC3339 timestamp")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if depositor == "" {
		return printError(stderr, "--depositor is required")
	}
	if beneficiary == "" {
		return printError(stderr, "--beneficiary is required")
	}
	if strings.TrimSpace(amount) == "" {
		return printError(stderr, "--amount is required")
	}
	if deadline == "" {
		return printError(stderr, "--deadline is required")
	}
	deadlineUnix, err := parseDeadline(deadline, time.Now())
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"depositor":   depositor,
		"beneficiary": beneficiary,
		"amount":      strings.TrimSpace(amount),
		"deadline":    deadlineUnix,
	}
	result, rpcErr, err := rpcCall("escrow_create", params, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	return printResult(stdout, result)
}

func runSettle(method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(method, stderr)
	var (
		id     uint64
		caller string
	)
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	fs.StringVar(&caller, "caller", "", "caller bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if caller == "" {
		return printError(stderr, "--caller is required")
	}
	result, rpcErr, err := rpcCall(method, map[string]interface{}{"id": id, "caller": caller}, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	return printResult(stdout, result)
}

func runRelease(args []string, stdout, stderr io.Writer) int {
	return runSettle("escrow_release", args, stdout, stderr)
}

func runRefund(args []string, stdout, stderr io.Writer) int {
	return runSettle("escrow_refund", args, stdout, stderr)
}

func runBatchRelease(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("batch-release", stderr)
	var (
		idsFlag string
		caller  string
	)
	fs.StringVar(&idsFlag, "ids", "", "comma-separated escrow identifiers")
	fs.StringVar(&caller, "caller", "", "caller bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if caller == "" {
		return printError(stderr, "--caller is required")
	}
	ids, err := parseIDList(idsFlag)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, rpcErr, callErr := rpcCall("escrow_batchRelease", map[string]interface{}{"ids": ids, "caller": caller}, true)
	if callErr != nil {
		return printError(stderr, callErr.Error())
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	return printResult(stdout, result)
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	result, rpcErr, err := rpcCall("escrow_get", map[string]interface{}{"id": id}, false)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	return printResult(stdout, result)
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("stats", stderr)
	var agent string
	fs.StringVar(&agent, "agent", "", "agent bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if agent == "" {
		return printError(stderr, "--agent is required")
	}
	result, rpcErr, err := rpcCall("escrow_getAgentStats", map[string]interface{}{"agent": agent}, false)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	return printResult(stdout, result)
}

func runQuote(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("quote", stderr)
	var (
		agent  string
		amount string
	)
	fs.StringVar(&agent, "agent", "", "agent bech32 address")
	fs.StringVar(&amount, "amount", "", "gross amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if agent == "" {
		return printError(stderr, "--agent is required")
	}
	if strings.TrimSpace(amount) == "" {
		return printError(stderr, "--amount is required")
	}
	result, rpcErr, err := rpcCall("escrow_quoteFee", map[string]interface{}{
		"agent":  agent,
		"amount": strings.TrimSpace(amount),
	}, false)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	return printResult(stdout, result)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var limit int
	fs.IntVar(&limit, "limit", 50, "maximum number of entries")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	result, rpcErr, err := rpcCall("escrow_events", map[string]interface{}{"limit": limit}, false)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if code := handleRPCError(stderr, rpcErr); code != 0 {
		return code
	}
	return printResult(stdout, result)
}

// parseDeadline accepts either "+duration" relative to now or an absolute
// RFC3339 timestamp.
func parseDeadline(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "+") {
		d, err := time.ParseDuration(trimmed[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid deadline duration %q", value)
		}
		return now.Add(d).Unix(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline %q: use +duration or RFC3339", value)
	}
	return ts.Unix(), nil
}

func parseIDList(value string) ([]uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("--ids is required")
	}
	parts := strings.Split(trimmed, ",")
	ids := make([]uint64, 0, len(parts))
	for _, part := range parts {
		var id uint64
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid escrow id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func endpoint() string {
	if url := strings.TrimSpace(os.Getenv("ESCROWD_RPC_URL")); url != "" {
		return url
	}
	return "http://localhost:8545"
}

func callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		token := strings.TrimSpace(os.Getenv("ESCROWD_RPC_TOKEN"))
		if token == "" {
			return nil, nil, fmt.Errorf("ESCROWD_RPC_TOKEN is required for this command")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
