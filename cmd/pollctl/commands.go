package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var stdout io.Writer = os.Stdout

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the peer's election and polling state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/peer", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func toggleCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: strings.ToUpper(action[:1]) + action[1:] + " polling across the domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(cmd.Context(), http.MethodPost, "/api/v1/polling/"+action, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func resultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result",
		Short: "Print the last shared result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/polling/result", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func configCmd() *cobra.Command {
	var headers []string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Change the polled URL, request options or cadence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			for _, name := range []string{"url", "method", "body", "timeout", "cadence"} {
				if cmd.Flags().Changed(name) {
					v, _ := cmd.Flags().GetString(name)
					body[name] = v
				}
			}
			if cmd.Flags().Changed("header") {
				hs := make(map[string]string, len(headers))
				for _, h := range headers {
					k, v, ok := strings.Cut(h, "=")
					if !ok {
						return fmt.Errorf("header %q: expected name=value", h)
					}
					hs[k] = v
				}
				body["headers"] = hs
			}
			if len(body) == 0 {
				return errors.New("nothing to change")
			}

			var out map[string]any
			if err := call(cmd.Context(), http.MethodPatch, "/api/v1/polling/config", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.Flags().String("url", "", "URL to poll (empty stops polling)")
	cmd.Flags().String("method", "", "HTTP method")
	cmd.Flags().String("body", "", "request body")
	cmd.Flags().String("timeout", "", "per-request timeout, e.g. 5s")
	cmd.Flags().String("cadence", "", `poll cadence: "5s", "@every 1m" or a cron expression`)
	cmd.Flags().StringArrayVar(&headers, "header", nil, "request header name=value (repeatable)")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream results, errors and leadership changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return stream(cmd.Context(), func(event, data string) bool {
				fmt.Fprintf(stdout, "%-10s %s\n", event, data)
				return true
			})
		},
	}
}

// stream reads the event stream until fn returns false or ctx ends.
func stream(ctx context.Context, fn func(event, data string) bool) error {
	req, err := newRequest(ctx, http.MethodGet, "/api/v1/polling/events", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return &apiError{Status: resp.StatusCode, Body: string(data)}
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if !fn(event, strings.TrimSpace(strings.TrimPrefix(line, "data:"))) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func smokeCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Check a running peer end to end: health, enable, result, disable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			step := func(name string, err error) error {
				if err != nil {
					fmt.Fprintf(stdout, "FAIL %s: %v\n", name, err)
					return err
				}
				fmt.Fprintf(stdout, "ok   %s\n", name)
				return nil
			}

			if err := step("health", call(ctx, http.MethodGet, "/health", nil, nil)); err != nil {
				return err
			}
			var peer map[string]any
			if err := step("peer status", call(ctx, http.MethodGet, "/api/v1/peer", nil, &peer)); err != nil {
				return err
			}
			if err := step("enable", call(ctx, http.MethodPost, "/api/v1/polling/enable", nil, nil)); err != nil {
				return err
			}

			var result map[string]any
			deadline := time.Now().Add(wait)
			lastErr := errors.New("timed out")
			for time.Now().Before(deadline) {
				if lastErr = call(ctx, http.MethodGet, "/api/v1/polling/result", nil, &result); lastErr == nil {
					break
				}
				time.Sleep(250 * time.Millisecond)
			}
			if err := step("shared result", lastErr); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "     fetched by %v at %v\n", result["peer_id"], result["fetched_at"])

			return step("disable", call(ctx, http.MethodPost, "/api/v1/polling/disable", nil, nil))
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the first result")
	return cmd
}
