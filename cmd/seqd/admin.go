package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative operations against a running seqd node",
}

var adminStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminGet(cmd, "/v1/admin/status")
	},
}

var adminStepSizeCmd = &cobra.Command{
	Use:   "step-size",
	Short: "Get or change segment step sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		newStep, _ := cmd.Flags().GetInt32("new-step-size")
		business, _ := cmd.Flags().GetString("business-type")

		if newStep <= 0 {
			return adminGet(cmd, "/v1/admin/step-size?business_type="+url.QueryEscape(business))
		}

		preview, _ := cmd.Flags().GetBool("preview")
		global, _ := cmd.Flags().GetBool("global")
		body := map[string]interface{}{
			"business_type": business,
			"new_step_size": newStep,
			"preview":       preview,
			"global":        global,
		}
		return adminPost(cmd, "/v1/admin/step-size", body)
	},
}

var adminExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Delete segments with time_key before cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		cutoff, _ := cmd.Flags().GetString("cutoff")
		if cutoff == "" {
			return fmt.Errorf("--cutoff is required")
		}
		return adminPost(cmd, "/v1/admin/expire", map[string]interface{}{"cutoff": cutoff})
	},
}

var adminRecoverTimeoutsCmd = &cobra.Command{
	Use:   "recover-timeouts",
	Short: "Force-reset buffers with a stuck refresh flag",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminPost(cmd, "/v1/admin/recover-timeouts", nil)
	},
}

var adminResolveConflictsCmd = &cobra.Command{
	Use:   "resolve-conflicts",
	Short: "Scan both roles' segments for parity corruption",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminPost(cmd, "/v1/admin/resolve-conflicts", nil)
	},
}

var adminVerifyAuditChainCmd = &cobra.Command{
	Use:   "verify-audit-chain",
	Short: "Verify the admin audit log's HMAC chain is intact",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminGet(cmd, "/v1/admin/audit/verify-chain")
	},
}

func init() {
	for _, c := range []*cobra.Command{adminStatusCmd, adminStepSizeCmd, adminExpireCmd, adminRecoverTimeoutsCmd, adminResolveConflictsCmd, adminVerifyAuditChainCmd} {
		c.Flags().String("addr", "http://127.0.0.1:8421", "seqd node HTTP address")
	}
	adminStepSizeCmd.Flags().String("business-type", "", "Business type to inspect or change")
	adminStepSizeCmd.Flags().Int32("new-step-size", 0, "New step size; omit to just fetch current sizes")
	adminStepSizeCmd.Flags().Bool("preview", false, "Preview the change without applying it")
	adminStepSizeCmd.Flags().Bool("global", false, "Apply across every known business type")
	adminExpireCmd.Flags().String("cutoff", "", "Delete segments with time_key < cutoff (required)")

	adminCmd.AddCommand(adminStatusCmd)
	adminCmd.AddCommand(adminStepSizeCmd)
	adminCmd.AddCommand(adminExpireCmd)
	adminCmd.AddCommand(adminRecoverTimeoutsCmd)
	adminCmd.AddCommand(adminResolveConflictsCmd)
	adminCmd.AddCommand(adminVerifyAuditChainCmd)
}

var adminHTTPClient = &http.Client{Timeout: 10 * time.Second}

func adminGet(cmd *cobra.Command, path string) error {
	addr, _ := cmd.Flags().GetString("addr")
	resp, err := adminHTTPClient.Get(addr + path)
	if err != nil {
		return fmt.Errorf("admin: request failed: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func adminPost(cmd *cobra.Command, path string, body interface{}) error {
	addr, _ := cmd.Flags().GetString("addr")
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := adminHTTPClient.Post(addr+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("admin: request failed: %w", err)
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
		return nil
	}
	fmt.Println(pretty.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("admin: request returned status %d", resp.StatusCode)
	}
	return nil
}
