package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var serverAddr string

func init() {
	for _, cmd := range []*cobra.Command{execCmd, statusCmd} {
		cmd.Flags().StringVar(&serverAddr, "addr", "http://127.0.0.1:7680", "Instance HTTP address")
	}
}

var execCmd = &cobra.Command{
	Use:   "exec <sql> [param...]",
	Short: "Run a SQL statement against a running instance",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			params = append(params, a)
		}
		body, err := json.Marshal(map[string]any{"sql": args[0], "params": params})
		if err != nil {
			return err
		}
		return postJSON("/api/v1/execute", body)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show role, conflict, and read-only state of a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/status")
	},
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func postJSON(path string, body []byte) error {
	resp, err := httpClient().Post(strings.TrimRight(serverAddr, "/")+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func getJSON(path string) error {
	resp, err := httpClient().Get(strings.TrimRight(serverAddr, "/") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
	} else {
		fmt.Println(pretty.String())
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
