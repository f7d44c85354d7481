package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/approval"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/audit"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/auth"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/server"
)

func submitCmd() *cobra.Command {
	var (
		req     server.SubmitRequest
		payload []string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task through routing and the autonomy policy",
		Example: `  agentctl submit --task-type email_outreach --action-type send_email --priority high
  agentctl submit --action-type research --capability research --payload topic=pricing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.ActionType == "" {
				return errors.New("--action-type is required")
			}
			if len(payload) > 0 {
				req.Payload = make(map[string]interface{}, len(payload))
				for _, kv := range payload {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("payload %q must be key=value", kv)
					}
					req.Payload[k] = v
				}
			}

			var res server.SubmitResult
			err := apiClient().do(cmd.Context(), http.MethodPost, "/api/v1/tasks", nil, req, &res)
			var apiErr *apiError
			if err != nil && !(errors.As(err, &apiErr) && apiErr.Code == string(models.KindCapacityExceeded) && res.Action != nil) {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := newTable()
			tw.AppendRow(table.Row{"Action", res.Action.ID})
			tw.AppendRow(table.Row{"State", res.Action.State})
			tw.AppendRow(table.Row{"Agent", fmt.Sprintf("%s (%s)", res.Assignment.AgentName, res.Assignment.AgentID)})
			tw.AppendRow(table.Row{"Confidence", fmt.Sprintf("%.2f", res.Assignment.Confidence)})
			tw.AppendRow(table.Row{"Risk", res.Decision.RiskTier})
			tw.AppendRow(table.Row{"Decision", res.Decision.Reason})
			tw.Render()
			if err != nil {
				fmt.Fprintln(os.Stderr, "action approved but not started:", apiErr.Message)
				fmt.Fprintf(os.Stderr, "retry with: agentctl action start %s\n", res.Action.ID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.TaskType, "task-type", "", "task type used for capability inference")
	f.StringVar(&req.Description, "description", "", "task description")
	f.StringVar(&req.Priority, "priority", "", "low, medium, high or critical")
	f.StringSliceVar(&req.RequiredCapabilities, "capability", nil, "required capability (repeatable)")
	f.StringVar(&req.PreferredAgentID, "agent", "", "preferred agent id")
	f.StringVar(&req.PreferredTeamID, "team", "", "preferred team id")
	f.StringVar(&req.ActionType, "action-type", "", "action to perform, for example send_email")
	f.StringArrayVar(&payload, "payload", nil, "payload field as key=value (repeatable)")
	return cmd
}

func pendingCmd() *cobra.Command {
	q := url.Values{}
	var team, agent, actionType, risk string
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List actions waiting for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			setIf(q, "team_id", team)
			setIf(q, "agent_id", agent)
			setIf(q, "action_type", actionType)
			setIf(q, "risk_tier", risk)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var out struct {
				Actions []models.Action `json:"actions"`
				Count   int             `json:"count"`
			}
			if err := apiClient().do(cmd.Context(), http.MethodGet, "/api/v1/approvals", q, nil, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out.Actions)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Priority", "Risk", "Action", "Agent", "Team", "Age"})
			for _, a := range out.Actions {
				tw.AppendRow(table.Row{a.ID, a.Priority, a.RiskTier, a.ActionType, a.AgentID, a.TeamID, since(a.CreatedAt)})
			}
			tw.AppendFooter(table.Row{"", "", "", "", "", "Total", out.Count})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter")
	cmd.Flags().StringVar(&agent, "agent", "", "agent filter")
	cmd.Flags().StringVar(&actionType, "action-type", "", "action type filter")
	cmd.Flags().StringVar(&risk, "risk", "", "risk tier filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <action-id>...",
		Short: "Approve one action, or several in one bulk call",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return actionCall(cmd, "/api/v1/approvals/"+url.PathEscape(args[0])+"/approve", nil)
			}
			return bulkCall(cmd, "/api/v1/approvals/bulk-approve", args, "")
		},
	}
}

func rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <action-id>...",
		Short: "Reject one action, or several in one bulk call",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return actionCall(cmd, "/api/v1/approvals/"+url.PathEscape(args[0])+"/reject", map[string]string{"reason": reason})
			}
			if reason == "" {
				return errors.New("--reason is required for bulk reject")
			}
			return bulkCall(cmd, "/api/v1/approvals/bulk-reject", args, reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

// actionCmd covers the read and lifecycle calls on a single action.
func actionCmd() *cobra.Command {
	show := &cobra.Command{
		Use:   "action",
		Short: "Inspect or drive a single action",
	}
	get := &cobra.Command{
		Use:   "get <action-id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return actionCall(cmd, "/api/v1/actions/"+url.PathEscape(args[0]), nil)
		},
	}
	history := &cobra.Command{
		Use:   "history <action-id>",
		Short: "Show the audit trail of an action and check it replays to its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var h server.History
			if err := apiClient().do(cmd.Context(), http.MethodGet, "/api/v1/actions/"+url.PathEscape(args[0])+"/history", nil, nil, &h); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(h)
			}
			renderEntries(h.Entries)
			fmt.Printf("state %s, replay consistent: %t\n", h.CurrentState, h.Consistent)
			return nil
		},
	}
	show.AddCommand(get, history)
	for _, verb := range []string{"start", "complete", "fail", "cancel"} {
		verb := verb
		var reason string
		c := &cobra.Command{
			Use:   verb + " <action-id>",
			Short: "Move an action to " + verb,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var body interface{}
				if reason != "" {
					body = map[string]string{"reason": reason}
				}
				return actionCall(cmd, "/api/v1/actions/"+url.PathEscape(args[0])+"/"+verb, body)
			},
		}
		if verb == "fail" || verb == "cancel" {
			c.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
		}
		show.AddCommand(c)
	}
	return show
}

func auditCmd() *cobra.Command {
	q := url.Values{}
	var actionID, team, agent, actionType, from, to string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			setIf(q, "action_id", actionID)
			setIf(q, "team_id", team)
			setIf(q, "agent_id", agent)
			setIf(q, "action_type", actionType)
			setIf(q, "from", from)
			setIf(q, "to", to)
			for _, name := range []string{"was-automatic", "success"} {
				if cmd.Flags().Changed(name) {
					v, _ := cmd.Flags().GetBool(name)
					q.Set(strings.ReplaceAll(name, "-", "_"), strconv.FormatBool(v))
				}
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			var out struct {
				Entries []audit.Entry `json:"entries"`
			}
			if err := apiClient().do(cmd.Context(), http.MethodGet, "/api/v1/audit", q, nil, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out.Entries)
			}
			renderEntries(out.Entries)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&actionID, "action", "", "action id")
	f.StringVar(&team, "team", "", "team id")
	f.StringVar(&agent, "agent", "", "agent id")
	f.StringVar(&actionType, "action-type", "", "action type")
	f.StringVar(&from, "from", "", "earliest timestamp (RFC 3339)")
	f.StringVar(&to, "to", "", "latest timestamp (RFC 3339)")
	f.Bool("was-automatic", false, "only automatic (true) or human (false) decisions")
	f.Bool("success", false, "only successful (true) or failed (false) transitions")
	f.IntVar(&limit, "limit", 50, "page size (max 500)")
	f.IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show workspace action metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var m server.WorkspaceMetrics
			if err := apiClient().do(cmd.Context(), http.MethodGet, "/api/v1/metrics", nil, nil, &m); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(m)
			}
			limit := strconv.Itoa(m.RunningLimit)
			if m.RunningLimit < 0 {
				limit = "unbounded"
			}
			tw := newTable()
			tw.AppendRow(table.Row{"Workspace", m.WorkspaceID})
			tw.AppendRow(table.Row{"Tier", m.Tier})
			tw.AppendRow(table.Row{"Running", fmt.Sprintf("%d / %s", m.Running, limit)})
			tw.AppendRow(table.Row{"Total actions", m.Total})
			tw.AppendRow(table.Row{"Automation rate", fmt.Sprintf("%.1f%%", m.AutomationRate*100)})
			tw.AppendRow(table.Row{"Avg duration", time.Duration(m.AvgDurationMs * float64(time.Millisecond)).Round(time.Millisecond)})
			tw.AppendSeparator()
			for _, s := range models.AllStates {
				tw.AppendRow(table.Row{string(s), m.ByState[s]})
			}
			tw.Render()
			return nil
		},
	}
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate an API key and the bcrypt hash to put in auth.api_keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, hash, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"key": k, "hash": hash})
			}
			fmt.Println("key: ", k)
			fmt.Println("hash:", hash)
			fmt.Fprintln(os.Stderr, "the key is shown once; store only the hash in the server config")
			return nil
		},
	})
	return key
}

func tokenCmd() *cobra.Command {
	var secret, workspace, user, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the server's auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("ORCH_AUTH_JWT_SECRET")
			}
			if secret == "" || workspace == "" || user == "" {
				return errors.New("--secret (or ORCH_AUTH_JWT_SECRET), --for-workspace and --user are required")
			}
			token, err := auth.NewJWTManager(secret, ttl).GenerateAccessToken(auth.Principal{
				UserID:      user,
				WorkspaceID: workspace,
				Role:        role,
				Scopes:      auth.ScopesForRole(role),
			})
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret")
	cmd.Flags().StringVar(&workspace, "for-workspace", "", "workspace the token is bound to")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "viewer, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func actionCall(cmd *cobra.Command, path string, body interface{}) error {
	method := http.MethodPost
	if body == nil && !isMutation(path) {
		method = http.MethodGet
	}
	var out struct {
		models.Action
		Held *models.Action `json:"action"`
	}
	err := apiClient().do(cmd.Context(), method, path, nil, body, &out)
	a := &out.Action
	if out.Held != nil {
		a = out.Held
	}
	if err != nil && a.ID == "" {
		return err
	}
	if viper.GetBool("json") {
		if perr := printJSON(a); perr != nil {
			return perr
		}
		return err
	}
	renderAction(a)
	return err
}

func bulkCall(cmd *cobra.Command, path string, ids []string, reason string) error {
	body := map[string]interface{}{"action_ids": ids}
	if reason != "" {
		body["reason"] = reason
	}
	var out struct {
		Results   []approval.Outcome `json:"results"`
		Succeeded int                `json:"succeeded"`
		Failed    int                `json:"failed"`
	}
	if err := apiClient().do(cmd.Context(), http.MethodPost, path, nil, body, &out); err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(out)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Action", "OK", "State", "Code", "Error"})
	for _, o := range out.Results {
		tw.AppendRow(table.Row{o.ActionID, o.Success, o.State, o.Code, o.Error})
	}
	tw.AppendFooter(table.Row{"", out.Succeeded, "", "", fmt.Sprintf("%d failed", out.Failed)})
	tw.Render()
	return nil
}

func renderAction(a *models.Action) {
	tw := newTable()
	tw.AppendRow(table.Row{"ID", a.ID})
	tw.AppendRow(table.Row{"State", a.State})
	tw.AppendRow(table.Row{"Action", a.ActionType})
	tw.AppendRow(table.Row{"Agent", a.AgentID})
	tw.AppendRow(table.Row{"Risk", a.RiskTier})
	tw.AppendRow(table.Row{"Priority", a.Priority})
	if a.DecidedBy != "" {
		tw.AppendRow(table.Row{"Decided by", a.DecidedBy})
	}
	if a.Reason != "" {
		tw.AppendRow(table.Row{"Reason", a.Reason})
	}
	if a.DurationMs != nil {
		tw.AppendRow(table.Row{"Duration", time.Duration(*a.DurationMs) * time.Millisecond})
	}
	tw.Render()
}

func renderEntries(entries []audit.Entry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "Time", "Action", "From", "To", "Actor", "Auto", "Reason"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.Seq, e.Timestamp.Format(time.RFC3339), e.ActionID, e.FromState, e.ToState, e.Actor, e.WasAutomatic, e.Reason})
	}
	tw.Render()
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func since(t time.Time) string {
	return time.Since(t).Round(time.Second).String()
}

// isMutation reports whether path ends in a lifecycle or decision verb.
func isMutation(path string) bool {
	for _, verb := range []string{"/approve", "/reject", "/start", "/complete", "/fail", "/cancel"} {
		if strings.HasSuffix(path, verb) {
			return true
		}
	}
	return false
}
