package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/abusegate/internal/adapter/inbound/admin"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// adminKeyEnv holds the admin API key when --api-key is not given.
const adminKeyEnv = "ABUSE_GATE_ADMIN_KEY"

var (
	clientServer string
	clientAPIKey string
	clientLimit  int
	clientScope  string
)

var violationsCmd = &cobra.Command{
	Use:   "violations <subject>",
	Short: "List recorded violations of a subject",
	Long: `List the newest violations of a subject from a running server.

Remote servers require the admin key in --api-key or ABUSE_GATE_ADMIN_KEY.

Examples:
  abuse-gate violations user-42
  abuse-gate violations 203.0.113.7 --scope global --limit 10`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAdminClient(clientServer, clientAPIKey)
		resp, err := c.Violations(cmd.Context(), args[0], ratelimit.Scope(clientScope), clientLimit)
		if err != nil {
			return err
		}
		return printViolations(cmd.OutOrStdout(), resp.Violations)
	},
}

var offendersCmd = &cobra.Command{
	Use:   "offenders",
	Short: "List the subjects with the most recent violations",
	Long: `List the top offenders of the last 24 hours from a running server.

Examples:
  abuse-gate offenders
  abuse-gate offenders --limit 50`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAdminClient(clientServer, clientAPIKey)
		resp, err := c.Offenders(cmd.Context(), clientLimit)
		if err != nil {
			return err
		}
		return printOffenders(cmd.OutOrStdout(), resp.Offenders)
	},
}

func init() {
	for _, c := range []*cobra.Command{violationsCmd, offendersCmd} {
		c.Flags().StringVar(&clientServer, "server", "http://127.0.0.1:8080", "Base URL of the abuse-gate server")
		c.Flags().StringVar(&clientAPIKey, "api-key", "", "Admin API key (default: $"+adminKeyEnv+")")
		c.Flags().IntVar(&clientLimit, "limit", 0, "Maximum rows to return (0 = server default)")
		rootCmd.AddCommand(c)
	}
	violationsCmd.Flags().StringVar(&clientScope, "scope", string(ratelimit.ScopeUser), "Subject scope: user or global")
}

// adminClient calls the admin API of a running server.
type adminClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAdminClient(baseURL, apiKey string) *adminClient {
	if apiKey == "" {
		apiKey = os.Getenv(adminKeyEnv)
	}
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Violations fetches GET /admin/api/violations/{subject}.
func (c *adminClient) Violations(ctx context.Context, subject string, scope ratelimit.Scope, limit int) (*admin.ViolationsResponse, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", string(scope))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp admin.ViolationsResponse
	if err := c.get(ctx, "/admin/api/violations/"+url.PathEscape(subject), q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Offenders fetches GET /admin/api/offenders.
func (c *adminClient) Offenders(ctx context.Context, limit int) (*admin.OffendersResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp admin.OffendersResponse
	if err := c.get(ctx, "/admin/api/offenders", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *adminClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printViolations(w io.Writer, violations []ratelimit.Violation) error {
	if len(violations) == 0 {
		_, err := fmt.Fprintln(w, "No violations recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tACTION\tCOUNT\tWINDOW START\tID")
	for _, v := range violations {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			v.CreatedAt.UTC().Format(time.RFC3339),
			v.Action,
			v.CountAtViolation,
			v.WindowStart.UTC().Format(time.RFC3339),
			v.ID,
		)
	}
	return tw.Flush()
}

func printOffenders(w io.Writer, offenders []ratelimit.OffenderCount) error {
	if len(offenders) == 0 {
		_, err := fmt.Fprintln(w, "No offenders in the last 24h.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBJECT\tSCOPE\tVIOLATIONS")
	for _, o := range offenders {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", o.SubjectID, o.Scope, o.ViolationCount)
	}
	return tw.Flush()
}
