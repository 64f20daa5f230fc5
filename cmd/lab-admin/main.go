// ABOUTME: Admin CLI for lab-gateway agent and experiment management
// ABOUTME: Talks to the gateway HTTP API; watch follows experiment progress over WebSocket

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/problab/lab-gateway/internal/store"
	"github.com/problab/lab-gateway/internal/workflow"
)

const banner = `
 _       _                        _           _
| | __ _| |__         __ _  __ _| |_ __ ___ (_)_ __
| |/ _' | '_ \ _____ / _' |/ _' | | '_ ' _ \| | '_ \
| | (_| | |_) |_____| (_| | (_| | | | | | | | | | | |
|_|\__,_|_.__/       \__,_|\__,_|_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Gateway base URL from environment
	baseURL := os.Getenv("LAB_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "register":
		err = cmdRegister(ctx, baseURL, args)
	case "list":
		err = cmdList(ctx, baseURL)
	case "unregister":
		err = cmdUnregister(ctx, baseURL, args)
	case "health":
		err = cmdHealth(ctx, baseURL, args)
	case "run":
		err = cmdRun(ctx, baseURL, args)
	case "watch":
		err = cmdWatch(ctx, baseURL, args)
	case "results":
		err = cmdResults(ctx, baseURL)
	case "result":
		err = cmdResult(ctx, baseURL, args)
	case "presets":
		cmdPresets()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: lab-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  register [flags]          Register an agent (see register -h)")
	fmt.Println("  list                      List registered agents")
	fmt.Println("  unregister <agent-id>     Remove an agent")
	fmt.Println("  health <agent-id>         Show an agent's liveness record")
	fmt.Println("  run <agent-id> [...]      Start an experiment over the given agents")
	fmt.Println("  watch <experiment-id>     Follow experiment progress live")
	fmt.Println("  results                   List stored experiment results")
	fmt.Println("  result <experiment-id>    Show one experiment's result")
	fmt.Println("  presets                   Print register examples per backend type")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  LAB_GATEWAY_URL           Gateway base URL (default: http://localhost:8080)")
	fmt.Println()
}

// apiError is the gateway's JSON error body.
type apiError struct {
	Error string `json:"error"`
}

// doJSON issues one API request and decodes the response into out (when
// non-nil). Non-2xx responses surface the gateway's error message.
func doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("%s (status %d)", ae.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// registerRequest mirrors the gateway's POST /api/agents body.
type registerRequest struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Model        string                  `json:"model,omitempty"`
	Source       string                  `json:"source"`
	Type         string                  `json:"type"`
	Endpoint     string                  `json:"endpoint"`
	Credential   string                  `json:"credential,omitempty"`
	Capabilities []string                `json:"capabilities,omitempty"`
	Params       *store.GenerationParams `json:"params,omitempty"`
}

func cmdRegister(ctx context.Context, baseURL string, args []string) error {
	req := registerRequest{Source: "local", Type: "llamacpp"}
	var capabilities string

	// Parse "--flag value" and "--flag=value" forms
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !hasValue {
			if arg == "-h" || arg == "--help" {
				printRegisterUsage()
				return nil
			}
			if i+1 >= len(args) {
				return fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "id":
			req.ID = value
		case "name":
			req.Name = value
		case "model":
			req.Model = value
		case "source":
			req.Source = value
		case "type":
			req.Type = value
		case "endpoint":
			req.Endpoint = value
		case "credential":
			req.Credential = value
		case "capabilities":
			capabilities = value
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if req.ID == "" || req.Endpoint == "" {
		return fmt.Errorf("--id and --endpoint are required (see register -h)")
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	if capabilities != "" {
		req.Capabilities = strings.Split(capabilities, ",")
	}

	var agent store.Agent
	if err := doJSON(ctx, http.MethodPost, baseURL+"/api/agents", req, &agent); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Registered agent: %s\n", agent.ID)
	fmt.Printf("  Type:     %s\n", agent.Type)
	fmt.Printf("  Endpoint: %s\n", agent.Endpoint)
	fmt.Printf("  Status:   %s\n", agent.Status)
	return nil
}

func printRegisterUsage() {
	fmt.Println("Usage: lab-admin register --id ID --endpoint URL [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --id            Agent ID (required, unique)")
	fmt.Println("  --endpoint      Backend base URL (required)")
	fmt.Println("  --name          Display name (default: id)")
	fmt.Println("  --model         Backend model identifier")
	fmt.Println("  --source        local | remote_api | cloud (default: local)")
	fmt.Println("  --type          exo | llamacpp | openrouter | openai (default: llamacpp)")
	fmt.Println("  --credential    API key for remote backends")
	fmt.Println("  --capabilities  Comma-separated capability tags")
}

func cmdList(ctx context.Context, baseURL string) error {
	var agents []*store.Agent
	if err := doJSON(ctx, http.MethodGet, baseURL+"/api/agents", nil, &agents); err != nil {
		return err
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("Agents (%d)\n\n", len(agents))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tENDPOINT\tSTATUS\tLAST SEEN")
	for _, a := range agents {
		lastSeen := "never"
		if a.LastSeen != nil {
			lastSeen = a.LastSeen.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, truncate(a.Name, 24), a.Type, truncate(a.Endpoint, 40), statusString(a.Status), lastSeen)
	}
	return w.Flush()
}

// statusString colorizes the liveness column.
func statusString(s store.AgentStatus) string {
	switch s {
	case store.StatusConnected:
		return color.GreenString(string(s))
	case store.StatusUnreachable:
		return color.RedString(string(s))
	case store.StatusDegraded:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func cmdUnregister(ctx context.Context, baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lab-admin unregister <agent-id>")
	}
	id := args[0]

	if err := doJSON(ctx, http.MethodDelete, baseURL+"/api/agents/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Unregistered agent: %s\n", id)
	return nil
}

func cmdHealth(ctx context.Context, baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lab-admin health <agent-id>")
	}
	id := args[0]

	var health struct {
		AgentID     string `json:"agent_id"`
		Status      string `json:"status"`
		LastSeen    string `json:"last_seen"`
		MissedCount int    `json:"missed_count"`
	}
	if err := doJSON(ctx, http.MethodGet, baseURL+"/api/agents/"+url.PathEscape(id)+"/health", nil, &health); err != nil {
		return err
	}

	fmt.Printf("Agent:        %s\n", health.AgentID)
	fmt.Printf("Status:       %s\n", statusString(store.AgentStatus(health.Status)))
	if health.LastSeen != "" {
		fmt.Printf("Last seen:    %s\n", health.LastSeen)
	} else {
		fmt.Printf("Last seen:    never\n")
	}
	fmt.Printf("Missed:       %d\n", health.MissedCount)
	return nil
}

func cmdRun(ctx context.Context, baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lab-admin run <agent-id> [agent-id ...]")
	}

	req := map[string][]string{"agent_ids": args}
	var resp struct {
		ExperimentID string `json:"experiment_id"`
		Topic        string `json:"topic"`
	}
	if err := doJSON(ctx, http.MethodPost, baseURL+"/api/experiments", req, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Experiment started: %s\n", resp.ExperimentID)
	fmt.Printf("  Agents: %s\n", strings.Join(args, ", "))
	fmt.Println()
	fmt.Printf("  lab-admin watch %s\n", resp.ExperimentID)
	fmt.Printf("  lab-admin result %s\n", resp.ExperimentID)
	return nil
}

// wsURL converts the HTTP base URL into the gateway's WebSocket endpoint.
func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing gateway URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

func cmdWatch(ctx context.Context, baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lab-admin watch <experiment-id>")
	}
	experimentID := args[0]

	endpoint, err := wsURL(baseURL)
	if err != nil {
		return err
	}
	endpoint += "?experiment_id=" + url.QueryEscape(experimentID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Close the socket when interrupted so ReadMessage unblocks
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	cyan := color.New(color.FgCyan)
	dim := color.New(color.Faint)
	cyan.Printf("Watching experiment %s (Ctrl-C to stop)\n\n", experimentID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}

		var ev store.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case store.EventWorkflowProgress:
			var p workflow.Progress
			if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
				continue
			}
			cyan.Printf("  progress: %d/%d agents settled\n", p.Done, p.Total)
			if p.Done >= p.Total {
				fmt.Println()
				fmt.Printf("  lab-admin result %s\n", experimentID)
				return nil
			}
		case store.EventTaskUpdate:
			status, stage := taskUpdateFields(ev.Payload)
			dim.Printf("  task %s: %s agent=%s stage=%s\n",
				truncate(ev.TaskID, 8), status, ev.AgentID, stage)
		case store.EventError:
			color.Red("  error: %s (agent=%s)\n", ev.Text, ev.AgentID)
		}
	}
}

// taskUpdateFields pulls status and stage out of a task_update payload,
// best-effort.
func taskUpdateFields(payload string) (status, stage string) {
	var p struct {
		Status string `json:"status"`
		Stage  string `json:"stage"`
	}
	if json.Unmarshal([]byte(payload), &p) != nil {
		return "?", "-"
	}
	if p.Stage == "" {
		p.Stage = "-"
	}
	return p.Status, p.Stage
}

func cmdResults(ctx context.Context, baseURL string) error {
	var resp struct {
		Experiments []*workflow.ExperimentResult `json:"experiments"`
	}
	if err := doJSON(ctx, http.MethodGet, baseURL+"/api/experiments", nil, &resp); err != nil {
		return err
	}

	if len(resp.Experiments) == 0 {
		fmt.Println("No experiment results stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXPERIMENT\tGENERATED\tAGENTS\tCOMPLETED\tFAILED")
	for _, res := range resp.Experiments {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
			res.ExperimentID, res.GeneratedAt.Format(time.RFC3339),
			len(res.Agents), res.Summary.Completed, res.Summary.Failed)
	}
	return w.Flush()
}

func cmdResult(ctx context.Context, baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lab-admin result <experiment-id>")
	}
	id := args[0]

	var res workflow.ExperimentResult
	if err := doJSON(ctx, http.MethodGet, baseURL+"/api/experiments/"+url.PathEscape(id), nil, &res); err != nil {
		return err
	}
	if res.ExperimentID == "" {
		// 202 while still running decodes to an empty result
		fmt.Printf("Experiment %s is still running.\n", id)
		fmt.Printf("  lab-admin watch %s\n", id)
		return nil
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Printf("Experiment %s\n", res.ExperimentID)
	fmt.Printf("Generated:  %s\n\n", res.GeneratedAt.Format(time.RFC3339))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tREFUSAL Δ\tCAPABILITY Δ\tIMPACT")
	for _, a := range res.Agents {
		if a.Delta == nil {
			fmt.Fprintf(w, "%s\t%s\t-\t-\t-\n", a.AgentID, agentStatusString(a.Status))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%+.3f\t%+.3f\t%.3f\n",
			a.AgentID, agentStatusString(a.Status),
			a.Delta.RefusalRate, a.Delta.CapabilityScore, a.Impact)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	green.Printf("Summary: %d completed, %d failed\n", res.Summary.Completed, res.Summary.Failed)
	fmt.Printf("  avg refusal reduction: %+.3f\n", res.Summary.AvgRefusalReduction)
	fmt.Printf("  avg capability delta:  %+.3f\n", res.Summary.AvgCapabilityDelta)
	return nil
}

// agentStatusString colorizes a per-agent experiment outcome.
func agentStatusString(status string) string {
	switch {
	case status == workflow.AgentCompleted:
		return color.GreenString(status)
	case status == workflow.AgentUnreachable:
		return color.RedString(status)
	case strings.HasPrefix(status, "failed-at-"):
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}

func cmdPresets() {
	yellow := color.New(color.FgYellow)

	yellow.Println("Register examples:")
	fmt.Println()
	fmt.Println("  # llama.cpp server on this machine")
	fmt.Println("  lab-admin register --id local-llama --type llamacpp --source local \\")
	fmt.Println("      --endpoint http://localhost:8081")
	fmt.Println()
	fmt.Println("  # exo cluster node")
	fmt.Println("  lab-admin register --id exo-node --type exo --source local \\")
	fmt.Println("      --endpoint http://localhost:52415 --model llama-3.2-3b")
	fmt.Println()
	fmt.Println("  # OpenRouter hosted model")
	fmt.Println("  lab-admin register --id or-mistral --type openrouter --source remote_api \\")
	fmt.Println("      --endpoint https://openrouter.ai/api/v1 \\")
	fmt.Println("      --model mistralai/mistral-7b-instruct --credential $OPENROUTER_KEY")
	fmt.Println()
	fmt.Println("  # OpenAI-compatible cloud API")
	fmt.Println("  lab-admin register --id cloud-gpt --type openai --source cloud \\")
	fmt.Println("      --endpoint https://api.openai.com --model gpt-4o-mini \\")
	fmt.Println("      --credential $OPENAI_API_KEY")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
