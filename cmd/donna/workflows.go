package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/donna/pkg/models"
)

// apiClient is a thin HTTP client for a running daemon.
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func buildWorkflowsCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect and run stored workflows",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Base URL of a running daemon")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Workflows []*models.Workflow `json:"workflows"`
			}
			if err := newAPIClient(serverURL).do(http.MethodGet, "/api/workflows", nil, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tSTATUS\tLAST RUN")
			for _, wf := range resp.Workflows {
				lastRun := "never"
				if !wf.LastRunAt.IsZero() {
					lastRun = wf.LastRunAt.Local().Format(time.RFC3339)
				}
				trigger := string(wf.TriggerType)
				if wf.CronExpr != "" {
					trigger += " " + wf.CronExpr
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", wf.ID, wf.Name, trigger, wf.Status, lastRun)
			}
			return w.Flush()
		},
	}

	run := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a stored workflow now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var exec models.Execution
			if err := newAPIClient(serverURL).do(http.MethodPost, "/api/workflows/"+args[0]+"/run", nil, &exec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "execution %s: %s\n", exec.ID, exec.Status)
			if exec.Error != "" {
				fmt.Fprintln(cmd.OutOrStdout(), exec.Error)
			}
			if exec.Result != "" {
				fmt.Fprintln(cmd.OutOrStdout(), exec.Result)
			}
			return nil
		},
	}

	cmd.AddCommand(list, run)
	return cmd
}
