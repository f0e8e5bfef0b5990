package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/curator/internal/config"
	"github.com/kalambet/curator/internal/social"
	"github.com/kalambet/curator/internal/storage"
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- discover ---

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Queue a discovery run on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		status, err := triggerDiscovery(cmd.Context(), client)
		if err != nil {
			return err
		}
		if status == "already_queued" {
			printWarning("A discovery run is already queued")
			return nil
		}
		printSuccess("Discovery run queued")
		return nil
	},
}

func triggerDiscovery(ctx context.Context, c *apiClient) (string, error) {
	resp, err := c.post(ctx, "/discover", nil)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["status"], nil
}

// --- media ---

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Review discovered media",
}

var mediaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List media, newest first",
	Long: `List media, newest first.

Examples:
  curator media list
  curator media list --status failed --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listMedia(cmd.Context(), client, os.Stdout, status, limit)
	},
}

func listMedia(ctx context.Context, c *apiClient, w io.Writer, status string, limit int) error {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	q.Set("limit", strconv.Itoa(limit))

	resp, err := c.get(ctx, "/media?"+q.Encode())
	if err != nil {
		return err
	}
	var items []storage.MediaItem
	if err := decodeJSON(resp, &items); err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(w, "No media found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, m := range items {
		caption := strings.ReplaceAll(m.Caption, "\n", " ")
		fmt.Fprintf(tw, "%s\t%s\t@%s\t%d likes\t%s\n",
			colorize(colorCyan, strconv.FormatInt(m.ID, 10)),
			statusLabel(string(m.Status)),
			m.CreatorHandle,
			m.LikeCount,
			truncate(caption, 60),
		)
	}
	return tw.Flush()
}

var mediaShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a media item with its publish history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showMedia(cmd.Context(), client, os.Stdout, id)
	},
}

func showMedia(ctx context.Context, c *apiClient, w io.Writer, id int64) error {
	resp, err := c.get(ctx, fmt.Sprintf("/media/%d", id))
	if err != nil {
		return err
	}
	var item storage.MediaItem
	if err := decodeJSON(resp, &item); err != nil {
		return err
	}
	if err := printJSON(w, item); err != nil {
		return err
	}

	resp, err = c.get(ctx, fmt.Sprintf("/post-logs?media_id=%d&limit=20", id))
	if err != nil {
		return err
	}
	var logs []storage.PostLog
	if err := decodeJSON(resp, &logs); err != nil {
		return err
	}
	if len(logs) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "Publish attempts"))
	for _, l := range logs {
		outcome := colorize(colorGreen, "ok")
		detail := l.PostID
		if !l.Success {
			outcome = colorize(colorRed, "failed")
			detail = l.ErrorMessage
		}
		fmt.Fprintf(w, "  %s  %s  %s\n", l.PostedAt.Local().Format(time.DateTime), outcome, detail)
	}
	return nil
}

type publishResult struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	PostID string `json:"post_id"`
}

// publishAction runs approve or retry on the server. Both publish inline.
func publishAction(ctx context.Context, c *apiClient, action string, id int64) (publishResult, error) {
	resp, err := c.post(ctx, fmt.Sprintf("/media/%d/%s", id, action), nil)
	if err != nil {
		return publishResult{}, err
	}
	var result publishResult
	if err := decodeJSON(resp, &result); err != nil {
		return publishResult{}, err
	}
	return result, nil
}

func publishCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			printStep("Publishing media %d...", id)
			result, err := publishAction(cmd.Context(), client, action, id)
			if err != nil {
				printError("media %d: %v", id, err)
				return err
			}
			printSuccess("Published media %d as story %s", result.ID, result.PostID)
			return nil
		},
	}
}

var mediaApproveCmd = publishCommand("approve", "Approve and publish a media item as a story")

var mediaRetryCmd = publishCommand("retry", "Publish a failed or interrupted media item again")

var mediaRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a media item so it is never published",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), fmt.Sprintf("/media/%d/reject", id), nil)
		if err != nil {
			return err
		}
		var item storage.MediaItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		printSuccess("Rejected media %d (@%s)", item.ID, item.CreatorHandle)
		return nil
	},
}

func init() {
	mediaListCmd.Flags().String("status", string(storage.StatusPendingApproval), "filter by status (empty for all)")
	mediaListCmd.Flags().Int("limit", 20, "maximum number of items to list")

	mediaCmd.AddCommand(mediaListCmd)
	mediaCmd.AddCommand(mediaShowCmd)
	mediaCmd.AddCommand(mediaApproveCmd)
	mediaCmd.AddCommand(mediaRetryCmd)
	mediaCmd.AddCommand(mediaRejectCmd)
}

// --- creators ---

var creatorsCmd = &cobra.Command{
	Use:   "creators",
	Short: "Manage discovered creators",
}

var creatorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List creators by follower count",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listCreators(cmd.Context(), client, os.Stdout, status)
	},
}

func listCreators(ctx context.Context, c *apiClient, w io.Writer, status string) error {
	path := "/creators"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var creators []storage.Creator
	if err := decodeJSON(resp, &creators); err != nil {
		return err
	}
	if len(creators) == 0 {
		fmt.Fprintln(w, "No creators found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, cr := range creators {
		fmt.Fprintf(tw, "%s\t@%s\t%d followers\t%.2f%%\t%s\n",
			colorize(colorCyan, strconv.FormatInt(cr.ID, 10)),
			cr.Handle,
			cr.FollowerCount,
			cr.AvgEngagement,
			statusLabel(string(cr.Status)),
		)
	}
	return tw.Flush()
}

func setCreatorStatus(ctx context.Context, c *apiClient, id int64, status storage.CreatorStatus, notes string) (storage.Creator, error) {
	body := map[string]string{"status": string(status)}
	if notes != "" {
		body["notes"] = notes
	}
	resp, err := c.patch(ctx, fmt.Sprintf("/creators/%d", id), body)
	if err != nil {
		return storage.Creator{}, err
	}
	var creator storage.Creator
	if err := decodeJSON(resp, &creator); err != nil {
		return storage.Creator{}, err
	}
	return creator, nil
}

func creatorStatusCommand(use string, status storage.CreatorStatus, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			notes, _ := cmd.Flags().GetString("notes")
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			creator, err := setCreatorStatus(cmd.Context(), client, id, status, notes)
			if err != nil {
				return err
			}
			printSuccess("@%s is now %s", creator.Handle, creator.Status)
			return nil
		},
	}
	cmd.Flags().String("notes", "", "reviewer notes to store with the creator")
	return cmd
}

var creatorsApproveCmd = creatorStatusCommand("approve", storage.CreatorApproved, "Mark a creator as approved")

var creatorsBlockCmd = creatorStatusCommand("block", storage.CreatorBlocked, "Block a creator from future discovery")

var creatorsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export creators as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var writer io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		if err := exportCreators(cmd.Context(), client, writer, status); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Creators exported to %s", output)
		}
		return nil
	},
}

func exportCreators(ctx context.Context, c *apiClient, w io.Writer, status string) error {
	path := "/creators/export"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func init() {
	creatorsListCmd.Flags().String("status", "", "filter by status (new, approved, blocked)")
	creatorsExportCmd.Flags().String("status", "", "filter by status (new, approved, blocked)")
	creatorsExportCmd.Flags().String("output", "", "output file path (default: stdout)")

	creatorsCmd.AddCommand(creatorsListCmd)
	creatorsCmd.AddCommand(creatorsApproveCmd)
	creatorsCmd.AddCommand(creatorsBlockCmd)
	creatorsCmd.AddCommand(creatorsExportCmd)
}

// --- counter ---

var counterCmd = &cobra.Command{
	Use:   "counter",
	Short: "Inspect or reset today's action counter",
}

var counterResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset today's publish count to zero",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/counter/reset", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Daily action counter reset")
		return nil
	},
}

func init() {
	counterCmd.AddCommand(counterResetCmd)
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the running server's discovery settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective settings as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/settings")
		if err != nil {
			return err
		}
		var s any
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		return printJSON(os.Stdout, s)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Override a setting (min_followers, min_engagement, daily_limit, hashtags)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/settings", map[string]string{key: value})
		if err != nil {
			return err
		}
		var s any
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return tw.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// --- login ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the account password and verify it against the gateway",
	Long: `Store the account password in the platform secret store and log in
through the social gateway. The session is saved to the data directory
and reused by 'curator serve'.

The password is read from stdin, so it can be piped:
  echo "$PASSWORD" | curator login --username vegaseats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if username == "" {
			username = cfg.Social.Username
		}
		if username == "" {
			return errors.New("no username: pass --username or run `curator config set social.username <name>`")
		}

		fmt.Fprintf(os.Stderr, "Password for @%s: ", username)
		password, err := readPassword(os.Stdin)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}

		printStep("Logging in through %s...", cfg.Social.BaseURL)
		gateway := social.NewGateway(cfg.Social.BaseURL, filepath.Join(cfg.Storage.DataDir, "session.json"))
		if err := gateway.Login(cmd.Context(), social.Credentials{Username: username, Password: password}); err != nil {
			printError("login failed: %v", err)
			return err
		}

		if username != cfg.Social.Username {
			if err := config.SetKey("social.username", username); err != nil {
				return err
			}
		}
		if err := config.SetSocialPassword(config.NewKeychain(), username, password); err != nil {
			return fmt.Errorf("storing password: %w", err)
		}
		printSuccess("Logged in as @%s", username)
		printStatus("Note", "restart a running server to pick up the new session")
		return nil
	},
}

func init() {
	loginCmd.Flags().String("username", "", "account username (default: social.username)")
}

// readPassword reads a single line from r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password must not be empty")
	}
	return pw, nil
}
