// Command proofscan-tool is the one-shot CLI: a single listTools,
// getTool, or callTool exchange against one stdio
// connector, with every frame recorded into the shared event store
// before the process exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/proofofprotocol/proofscan/internal/config"
	"github.com/proofofprotocol/proofscan/internal/logging"
	"github.com/proofofprotocol/proofscan/internal/recorder"
	"github.com/proofofprotocol/proofscan/internal/store"
	"github.com/proofofprotocol/proofscan/internal/tooladapter"
)

func main() {
	var (
		op        = flag.String("op", "", "operation: list, get, or call")
		targetID  = flag.String("target", "", "connector id, for recorded-session labeling")
		command   = flag.String("command", "", "subprocess command to launch")
		argsCSV   = flag.String("args", "", "comma-separated subprocess arguments")
		envCSV    = flag.String("env", "", "comma-separated KEY=VALUE subprocess environment entries")
		toolName  = flag.String("name", "", "tool name, for get/call")
		argsJSON  = flag.String("arguments", "{}", "JSON object of tool call arguments, for call")
		timeoutMs = flag.Int("timeout-ms", 30000, "deadline for initialize and the operation itself")
	)
	flag.Parse()
	logging.SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)

	if *op == "" || *command == "" {
		fmt.Fprintln(os.Stderr, "usage: proofscan-tool -op=list|get|call -command=<path> [-args=...] [-env=K=V,...] [-name=<tool>] [-arguments=<json>]")
		os.Exit(2)
	}

	proc, err := config.LoadProcessConfig()
	if err != nil {
		log.Fatalf("proofscan-tool: load process config: %v", err)
	}

	st, err := store.Open(proc.EventsDBPath)
	if err != nil {
		log.Fatalf("proofscan-tool: open event store: %v", err)
	}
	defer st.Close()

	target := tooladapter.Target{
		ID:      coalesce(*targetID, *command),
		Command: *command,
		Args:    splitNonEmpty(*argsCSV, ","),
		Env:     splitNonEmpty(*envCSV, ","),
	}

	adapter := tooladapter.New(st, time.Duration(*timeoutMs)*time.Millisecond, recorder.DefaultRetentionPolicy)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutMs+5000)*time.Millisecond)
	defer cancel()

	var res tooladapter.Result
	switch *op {
	case "list":
		res = adapter.ListTools(ctx, target)
	case "get":
		if *toolName == "" {
			log.Fatalf("proofscan-tool: -op=get requires -name")
		}
		res = adapter.GetTool(ctx, target, *toolName)
	case "call":
		if *toolName == "" {
			log.Fatalf("proofscan-tool: -op=call requires -name")
		}
		var arguments map[string]any
		if err := json.Unmarshal([]byte(*argsJSON), &arguments); err != nil {
			log.Fatalf("proofscan-tool: -arguments is not valid JSON: %v", err)
		}
		res = adapter.CallTool(ctx, target, *toolName, tooladapter.CallToolOptions{Arguments: arguments})
	default:
		log.Fatalf("proofscan-tool: unknown -op %q, expected list, get, or call", *op)
	}

	fmt.Fprintf(os.Stderr, "session: %s\n", res.SessionID)
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", res.Err)
		os.Exit(1)
	}
	fmt.Println(string(res.Frame.Raw))
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
