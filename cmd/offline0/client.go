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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the caches of a running server",
}

var cacheSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Print the entry count of every cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return sendMessage(cmd.Context(), "GET_CACHE_SIZE")
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return sendMessage(cmd.Context(), "CLEAR_CACHE")
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate the installed cache generation that is waiting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return sendMessage(cmd.Context(), "SKIP_WAITING")
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued offline actions, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return sendMessage(cmd.Context(), "GET_QUEUE")
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <tag>",
	Short: "Fire a sync registration by tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return post(cmd.Context(), "/sync/"+url.PathEscape(args[0]), "application/json", nil)
	},
}

var pushCmd = &cobra.Command{
	Use:   "push [text]",
	Short: "Relay a push notification to connected clients",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := ""
		if len(args) == 1 {
			text = args[0]
		}
		return post(cmd.Context(), "/push", "text/plain; charset=utf-8", []byte(text))
	},
}

func init() {
	cacheCmd.AddCommand(cacheSizeCmd, cacheClearCmd)
	queueCmd.AddCommand(queueListCmd)
}

func sendMessage(ctx context.Context, typ string) error {
	b, err := json.Marshal(map[string]string{"type": typ, "id": uuid.NewString()})
	if err != nil {
		return err
	}
	return post(ctx, "/message", "application/json", b)
}

// post sends body to the control endpoint at path and pretty-prints the
// JSON reply to stdout.
func post(ctx context.Context, path, contentType string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	endpoint := strings.TrimRight(controlURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("control request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if json.Indent(&out, raw, "", "  ") != nil {
		out.Reset()
		out.Write(raw)
	}
	fmt.Fprintln(os.Stdout, strings.TrimSpace(out.String()))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return nil
}
