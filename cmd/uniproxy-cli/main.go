// Package main provides the uniproxy-cli command-line tool for managing a
// running gateway's upstream configs and model mappings over its admin API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	gatewayURL string
	adminKey   string
)

func main() {
	root := &cobra.Command{
		Use:   "uniproxy-cli",
		Short: "Administer a running uniproxy gateway",
	}
	root.PersistentFlags().StringVar(&gatewayURL, "url", envOr("UNIPROXY_URL", "http://localhost:8080"), "gateway base URL")
	root.PersistentFlags().StringVar(&adminKey, "admin-key", os.Getenv("ADMIN_API_KEY"), "admin API key")

	root.AddCommand(
		newConfigsListCmd(),
		newConfigsAddCmd(),
		newConfigsRemoveCmd(),
		newMappingsListCmd(),
		newMappingsSetCmd(),
		newMappingsRemoveCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func adminRequest(method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(gatewayURL, "/")+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if adminKey != "" {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func newConfigsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configs-list",
		Short: "List upstream configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := adminRequest(http.MethodGet, "/api/configs", nil)
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("gateway returned status %d: %s", status, data)
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newConfigsAddCmd() *cobra.Command {
	var baseURL, apiKey, vendor string
	var models []string

	cmd := &cobra.Command{
		Use:   "configs-add",
		Short: "Register a new upstream config",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"base_url": baseURL,
				"api_key":  apiKey,
				"vendor":   vendor,
				"models":   models,
			}
			data, status, err := adminRequest(http.MethodPost, "/api/configs", body)
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("gateway returned status %d: %s", status, data)
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "upstream base URL (required)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "upstream API key")
	cmd.Flags().StringVar(&vendor, "vendor", "", "vendor label (defaults to the base_url host)")
	cmd.Flags().StringSliceVar(&models, "model", nil, "a model this upstream serves (repeatable)")
	_ = cmd.MarkFlagRequired("base-url")
	return cmd
}

func newConfigsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configs-remove <id>",
		Short: "Remove an upstream config by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := adminRequest(http.MethodDelete, "/api/configs/"+args[0], nil)
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("gateway returned status %d: %s", status, data)
			}
			fmt.Println("removed")
			return nil
		},
	}
}

func newMappingsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mappings-list",
		Short: "List global model mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := adminRequest(http.MethodGet, "/api/model-mappings", nil)
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("gateway returned status %d: %s", status, data)
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newMappingsSetCmd() *cobra.Command {
	var unifiedName string
	var vendorPairs []string

	cmd := &cobra.Command{
		Use:   "mappings-set",
		Short: "Upsert a global model mapping (--vendor-model vendor=actual-model, repeatable)",
		RunE: func(cmd *cobra.Command, args []string) error {
			vendors := make(map[string]string, len(vendorPairs))
			for _, pair := range vendorPairs {
				k, v, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("invalid --vendor-model %q: expected vendor=actual-model", pair)
				}
				vendors[k] = v
			}
			body := map[string]interface{}{"unified_name": unifiedName, "vendors": vendors}
			data, status, err := adminRequest(http.MethodPost, "/api/model-mappings", body)
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("gateway returned status %d: %s", status, data)
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&unifiedName, "name", "", "client-visible unified model name (required)")
	cmd.Flags().StringSliceVar(&vendorPairs, "vendor-model", nil, "vendor=actual-model pair (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newMappingsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mappings-remove <unified-name>",
		Short: "Remove a global model mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := adminRequest(http.MethodDelete, "/api/model-mappings/"+args[0], nil)
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("gateway returned status %d: %s", status, data)
			}
			fmt.Println("removed")
			return nil
		},
	}
}
