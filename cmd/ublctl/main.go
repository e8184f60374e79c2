package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	gatewayAddr string
	bearerToken string
	app         string
	tenant      string
	idempKey    string
)

func main() {
	root := &cobra.Command{
		Use:   "ublctl",
		Short: "Command-line client for a ubl-gate instance",
	}
	root.PersistentFlags().StringVar(&gatewayAddr, "addr", "http://127.0.0.1:8080", "gateway base URL")
	root.PersistentFlags().StringVar(&bearerToken, "token", os.Getenv("UBL_TOKEN"), "bearer token (defaults to $UBL_TOKEN)")
	root.PersistentFlags().StringVar(&app, "app", "default", "app scope")
	root.PersistentFlags().StringVar(&tenant, "tenant", "default", "tenant scope")

	root.AddCommand(executeCmd())
	root.AddCommand(executeRBCmd())
	root.AddCommand(receiptCmd())
	root.AddCommand(tipCmd())
	root.AddCommand(auditCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func executeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute [file]",
		Short: "Run the pipeline against a JSON inputs document (- or a file path)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(fmt.Sprintf("/a/%s/t/%s/v1/execute", app, tenant), args[0])
		},
	}
	cmd.Flags().StringVar(&idempKey, "idempotency-key", "", "Idempotency-Key header value")
	return cmd
}

func executeRBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute-rb [file]",
		Short: "Run stack-VM bytecode (JSON document with base64 bytecode and inputs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(fmt.Sprintf("/a/%s/t/%s/v1/execute/rb", app, tenant), args[0])
		},
	}
	return cmd
}

func receiptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receipt [cid]",
		Short: "Fetch a stored receipt by CID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(fmt.Sprintf("/a/%s/t/%s/v1/receipt/%s", app, tenant, args[0]))
		},
	}
}

func tipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tip",
		Short: "Show the tenant's current chain tip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(fmt.Sprintf("/a/%s/t/%s/v1/tip", app, tenant))
		},
	}
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Walk and print the tenant's full receipt chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(fmt.Sprintf("/a/%s/t/%s/v1/audit", app, tenant))
		},
	}
}

func postJSON(path, source string) error {
	body, err := readSource(source)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, gatewayAddr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempKey != "" {
		req.Header.Set("Idempotency-Key", idempKey)
	}
	return doRequest(req)
}

func getJSON(path string) error {
	req, err := http.NewRequest(http.MethodGet, gatewayAddr+path, nil)
	if err != nil {
		return err
	}
	return doRequest(req)
}

func doRequest(req *http.Request) error {
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return nil
}

func readSource(source string) ([]byte, error) {
	if source == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(source)
}
