package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vango-dev/relay/pkg/room"
)

const requestTimeout = 30 * time.Second

// restClient talks to a running relay's REST interface.
type restClient struct {
	base  string
	token string
	http  *http.Client
}

func newRESTClient(g *globalFlags) (*restClient, error) {
	u, err := url.Parse(g.serverURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid --server URL %q", g.serverURL)
	}
	return &restClient{
		base:  strings.TrimRight(u.String(), "/"),
		token: g.token,
		http:  &http.Client{Timeout: requestTimeout},
	}, nil
}

// apiError is a non-2xx response from the relay.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

// do sends one request and returns the response body of a 2xx reply.
func (c *restClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
		}
		return nil, apiErr
	}
	return data, nil
}

func docPath(roomID string) string {
	return "/" + url.PathEscape(roomID) + "/doc"
}

func roomsCmd(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms a relay holds in memory",
		Long: `List the rooms a running relay holds in memory, with the number of
connected peers in each.

Examples:
  relay rooms
  relay rooms --server=https://relay.example.com --token=s3cret
  relay rooms --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRESTClient(g)
			if err != nil {
				return err
			}
			data, err := client.do(cmd.Context(), http.MethodGet, "/rooms", nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				_, err := out.Write(data)
				return err
			}

			var resp struct {
				Rooms []room.Info `json:"rooms"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("decode rooms: %w", err)
			}
			if len(resp.Rooms) == 0 {
				warn(out, "No active rooms")
				return nil
			}

			name := color.New(color.FgCyan, color.Bold).SprintFunc()
			for _, r := range resp.Rooms {
				fmt.Fprintf(out, "  %-32s %d connected\n", name(r.ID), r.Connections)
			}
			info(out, "%d room(s)", len(resp.Rooms))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")

	return cmd
}

func docCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Read or write a room's document",
	}
	cmd.AddCommand(docGetCmd(g), docPutCmd(g))
	return cmd
}

func docGetCmd(g *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <room>",
		Short: "Download a room's full state as one update",
		Long: `Download a room's full state as one binary update. The room is
loaded if it is not in memory.

Examples:
  relay doc get my-room -o my-room.bin
  relay doc get my-room > my-room.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRESTClient(g)
			if err != nil {
				return err
			}
			data, err := client.do(cmd.Context(), http.MethodGet, docPath(args[0]), nil)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			success(cmd.ErrOrStderr(), "Wrote %d bytes from %s to %s", len(data), args[0], output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")

	return cmd
}

func docPutCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <room> <file>",
		Short: "Apply an update to a room",
		Long: `Apply a binary update to a room. Connected peers receive it as a
regular update. Use "-" to read the update from stdin.

Examples:
  relay doc put my-room my-room.bin
  relay doc get a | relay doc put b -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[1] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[1])
			}
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return errors.New("update is empty")
			}

			client, err := newRESTClient(g)
			if err != nil {
				return err
			}
			if _, err := client.do(cmd.Context(), http.MethodPost, docPath(args[0]), data); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Applied %d bytes to %s", len(data), args[0])
			return nil
		},
	}
	return cmd
}
