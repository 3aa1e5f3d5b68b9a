package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/termbus/internal/server"
	"github.com/spf13/cobra"
)

const envAdminToken = "TERMBUS_ADMIN_TOKEN"

func init() {
	countersCmd.Flags().String("addr", "", "admin address of a running driver (default from profile)")
	countersCmd.Flags().Int32("type", 0, "only list counters of this type id")
	countersCmd.Flags().String("token", "", "admin bearer token (default $"+envAdminToken+", then bus config)")
	rootCmd.AddCommand(countersCmd)
}

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "List the allocated counters of a running driver",
	Long: `Fetch /counters from the admin surface of a driver started with
"busctl serve" and print them as a table.

Examples:
  busctl counters
  busctl counters --type 4
  busctl counters --addr 10.0.0.5:7070`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := active.Listen
		if v, _ := cmd.Flags().GetString("addr"); cmd.Flags().Changed("addr") {
			addr = v
		}
		token := busCfg.Admin.Token
		if v := os.Getenv(envAdminToken); v != "" {
			token = v
		}
		if v, _ := cmd.Flags().GetString("token"); cmd.Flags().Changed("token") {
			token = v
		}
		var typeFilter *int32
		if cmd.Flags().Changed("type") {
			v, _ := cmd.Flags().GetInt32("type")
			typeFilter = &v
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		list, err := fetchCounters(ctx, &http.Client{}, baseURL(addr), token, typeFilter)
		if err != nil {
			return err
		}
		printCounters(cmd.OutOrStdout(), list)
		return nil
	},
}

func baseURL(addr string) string {
	addr = strings.TrimSuffix(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func fetchCounters(ctx context.Context, hc *http.Client, base, token string, typeFilter *int32) ([]server.CounterInfo, error) {
	url := base + "/counters"
	if typeFilter != nil {
		url = fmt.Sprintf("%s?type=%d", url, *typeFilter)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach driver admin: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("counters request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Counters []server.CounterInfo `json:"counters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode counters: %w", err)
	}
	return out.Counters, nil
}

func printCounters(w io.Writer, list []server.CounterInfo) {
	if len(list) == 0 {
		fmt.Fprintln(w, dimFmt("no counters allocated"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tVALUE\tREGISTRATION\tOWNER\tLABEL")
	for _, c := range list {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%s\n", c.ID, c.TypeID, c.Value, c.RegistrationID, c.OwnerID, c.Label)
	}
	tw.Flush()
}
