package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vysti/revise/internal/config"
)

// sessionView mirrors the server's /session payload.
type sessionView struct {
	State       string          `json:"state"`
	Status      string          `json:"status"`
	FileName    string          `json:"file_name"`
	Mode        string          `json:"mode"`
	Expired     bool            `json:"expired"`
	Edited      bool            `json:"edited"`
	MarkEventID string          `json:"mark_event_id"`
	Counts      map[string]int  `json:"counts"`
	Total       int             `json:"total_issues"`
	Techniques  *techniquesView `json:"techniques"`
}

type techniquesView struct {
	Kind    string           `json:"kind"`
	Strings []string         `json:"strings"`
	Objects []map[string]any `json:"objects"`
	Raw     string           `json:"raw"`
	Error   string           `json:"error"`
}

func printSessionView(view sessionView) {
	printStatus("State", "%s", view.State)
	if view.FileName != "" {
		printStatus("File", "%s (%s)", view.FileName, view.Mode)
	}
	if view.Total > 0 {
		printStatus("Issues", "%d", view.Total)
		labels := make([]string, 0, len(view.Counts))
		for label := range view.Counts {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			fmt.Printf("  %s %d\n", colorize(colorBold, label+":"), view.Counts[label])
		}
	}
	if view.Techniques != nil {
		printTechniques(view.Techniques)
	}
	if view.Status != "" {
		printStatus("Status", "%s", view.Status)
	}
}

func printTechniques(t *techniquesView) {
	switch t.Kind {
	case "strings":
		printStatus("Techniques", "%s", strings.Join(t.Strings, ", "))
	case "objects":
		names := make([]string, 0, len(t.Objects))
		for _, obj := range t.Objects {
			if name, ok := obj["name"].(string); ok {
				names = append(names, name)
			}
		}
		printStatus("Techniques", "%d detected: %s", len(t.Objects), strings.Join(names, ", "))
	case "invalid":
		printWarning("Techniques unavailable: %s", t.Error)
	}
}

// --- open / clear ---

var openCmd = &cobra.Command{
	Use:   "open <file>",
	Short: "Select a document for marking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"name":    filepath.Base(path),
			"content": base64.StdEncoding.EncodeToString(data),
		}
		resp, err := client.post(cmd.Context(), "/session/file", req)
		if err != nil {
			return err
		}

		var view sessionView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printSuccess("Selected %s", view.FileName)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the selected document and discard the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/session/file")
		if err != nil {
			return err
		}

		var view sessionView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printSuccess("Session cleared")
		return nil
	},
}

// --- mark / recheck ---

var markCmd = &cobra.Command{
	Use:   "mark",
	Short: "Mark the selected document",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		assignment, _ := cmd.Flags().GetString("assignment")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if mode != "" || assignment != "" {
			resp, err := client.post(cmd.Context(), "/session/mode", map[string]string{
				"mode":            mode,
				"assignment_name": assignment,
			})
			if err != nil {
				return err
			}
			var view sessionView
			if err := decodeJSON(resp, &view); err != nil {
				return err
			}
		}

		printStep("Marking...")
		resp, err := client.post(cmd.Context(), "/session/mark", nil)
		if err != nil {
			return err
		}

		var view sessionView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printSessionView(view)
		return nil
	},
}

var recheckCmd = &cobra.Command{
	Use:   "recheck",
	Short: "Re-mark the current preview text",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Rechecking...")
		resp, err := client.post(cmd.Context(), "/session/recheck", nil)
		if err != nil {
			return err
		}

		var view sessionView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printSessionView(view)
		return nil
	},
}

func init() {
	markCmd.Flags().String("mode", "", "marking mode (default analytic)")
	markCmd.Flags().String("assignment", "", "assignment name sent with the marking request")
}

// --- download ---

var downloadCmd = &cobra.Command{
	Use:   "download <marked|revised>",
	Short: "Download the marked or revised document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp *http.Response
		switch args[0] {
		case "marked":
			resp, err = client.get(cmd.Context(), "/session/download/marked")
		case "revised":
			resp, err = client.post(cmd.Context(), "/session/download/revised", nil)
		default:
			return fmt.Errorf("unknown download target %q; use marked or revised", args[0])
		}
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return apiError(resp)
		}

		name := out
		if name == "" {
			name = downloadName(resp, args[0]+".docx")
		}
		f, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		if _, err := io.Copy(f, resp.Body); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		printSuccess("Saved %s", name)
		return nil
	},
}

func downloadName(resp *http.Response, fallback string) string {
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	if err == nil && params["filename"] != "" {
		return params["filename"]
	}
	return fallback
}

func init() {
	downloadCmd.Flags().String("out", "", "output file path (default: server-suggested name)")
}

// --- issues ---

type issuesView struct {
	Selected string `json:"selected"`
	Total    int    `json:"total"`
	Groups   []struct {
		Name   string `json:"name"`
		Labels []struct {
			Label string `json:"label"`
			Count int    `json:"count"`
		} `json:"labels"`
	} `json:"groups"`
	Examples []struct {
		Sentence       string `json:"sentence"`
		ParagraphIndex int    `json:"paragraph_index"`
	} `json:"examples"`
	ReadOnly bool `json:"read_only"`
}

func printIssuesView(view issuesView) {
	if view.Total == 0 {
		fmt.Println("No open issues.")
		return
	}
	if view.ReadOnly {
		printWarning("Viewing an earlier attempt (read-only)")
	}
	for _, g := range view.Groups {
		fmt.Println(colorize(colorBold, g.Name))
		for _, l := range g.Labels {
			marker := "  "
			if l.Label == view.Selected {
				marker = colorize(colorCyan, "> ")
			}
			fmt.Printf("%s%s (%d)\n", marker, l.Label, l.Count)
		}
	}
	if view.Selected != "" && len(view.Examples) > 0 {
		fmt.Printf("\n%s\n", colorize(colorBold, "Examples for "+view.Selected))
		for _, ex := range view.Examples {
			fmt.Printf("  ¶%d  %s\n", ex.ParagraphIndex+1, ex.Sentence)
		}
	}
}

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List flagged issues grouped by document region",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/issues")
		if err != nil {
			return err
		}

		var view issuesView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printIssuesView(view)
		return nil
	},
}

var issuesSelectCmd = &cobra.Command{
	Use:   "select <label>",
	Short: "Select an issue label and fetch its example sentences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/issues/select", map[string]string{"label": args[0]})
		if err != nil {
			return err
		}

		var view issuesView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printIssuesView(view)
		return nil
	},
}

func init() {
	issuesCmd.AddCommand(issuesSelectCmd)
}

// --- rewrite ---

var rewriteCmd = &cobra.Command{
	Use:   "rewrite",
	Short: "Check and apply sentence rewrites",
}

func rewriteBody(cmd *cobra.Command) map[string]any {
	label, _ := cmd.Flags().GetString("label")
	sentence, _ := cmd.Flags().GetString("sentence")
	paragraph, _ := cmd.Flags().GetInt("paragraph")
	return map[string]any{
		"label":           label,
		"sentence":        sentence,
		"paragraph_index": paragraph,
	}
}

type rewriteEntry struct {
	Draft    string `json:"draft"`
	Approved string `json:"approved"`
	Applied  bool   `json:"applied"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

var rewriteCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Submit a rewritten sentence for approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := rewriteBody(cmd)
		text, _ := cmd.Flags().GetString("text")
		body["text"] = text

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/rewrites/check", body)
		if err != nil {
			return err
		}

		var entry rewriteEntry
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}
		if entry.Approved != "" {
			printSuccess("Approved")
		} else {
			printWarning("Not approved: %s", entry.Message)
		}
		return nil
	},
}

var rewriteApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Replace the flagged sentence with its approved rewrite",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/rewrites/apply", rewriteBody(cmd))
		if err != nil {
			return err
		}

		var entry rewriteEntry
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}
		printSuccess("Rewrite applied")
		return nil
	},
}

var rewriteApplyAllCmd = &cobra.Command{
	Use:   "apply-all",
	Short: "Apply every approved, unapplied rewrite",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/rewrites/apply-all", nil)
		if err != nil {
			return err
		}

		var result struct {
			Applied int    `json:"applied"`
			Error   string `json:"error"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Applied %d rewrite(s)", result.Applied)
		if result.Error != "" {
			printWarning("%s", result.Error)
		}
		return nil
	},
}

func addRewriteFlags(cmd *cobra.Command) {
	cmd.Flags().String("label", "", "issue label")
	cmd.Flags().String("sentence", "", "the original flagged sentence")
	cmd.Flags().Int("paragraph", 0, "paragraph index of the flagged sentence")
	cmd.MarkFlagRequired("label")
	cmd.MarkFlagRequired("sentence")
}

func init() {
	addRewriteFlags(rewriteCheckCmd)
	rewriteCheckCmd.Flags().String("text", "", "the proposed rewrite")
	rewriteCheckCmd.MarkFlagRequired("text")
	addRewriteFlags(rewriteApplyCmd)

	rewriteCmd.AddCommand(rewriteCheckCmd)
	rewriteCmd.AddCommand(rewriteApplyCmd)
	rewriteCmd.AddCommand(rewriteApplyAllCmd)
}

// --- dismiss ---

var dismissCmd = &cobra.Command{
	Use:   "dismiss",
	Short: "Dismiss a flagged sentence with a reason",
	Long: `Dismiss a flagged sentence with a reason.

Reasons: no_issue, unable_to_repair, unclear_guidance, other.
With --remember, the reason is reused for future dismissals of the same
label without asking; omit --reason afterwards to use the saved one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		sentence, _ := cmd.Flags().GetString("sentence")
		paragraph, _ := cmd.Flags().GetInt("paragraph")
		reason, _ := cmd.Flags().GetString("reason")
		other, _ := cmd.Flags().GetString("other")
		remember, _ := cmd.Flags().GetBool("remember")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/dismissals", map[string]any{
			"label":           label,
			"sentence":        sentence,
			"paragraph_index": paragraph,
			"reason":          reason,
			"other_text":      other,
			"remember_reason": remember,
		})
		if err != nil {
			return err
		}

		var result struct {
			ScrubError string `json:"scrub_error"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Dismissed %q", label)
		if result.ScrubError != "" {
			printWarning("preview scrub failed: %s", result.ScrubError)
		}
		return nil
	},
}

func init() {
	dismissCmd.Flags().String("label", "", "issue label")
	dismissCmd.Flags().String("sentence", "", "the flagged sentence")
	dismissCmd.Flags().Int("paragraph", 0, "paragraph index of the flagged sentence")
	dismissCmd.Flags().String("reason", "", "dismissal reason")
	dismissCmd.Flags().String("other", "", "free-text explanation for --reason other")
	dismissCmd.Flags().Bool("remember", false, "remember this reason for the label")
	dismissCmd.MarkFlagRequired("label")
	dismissCmd.MarkFlagRequired("sentence")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List prior marking runs of the selected file",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/attempts?limit=%d", limit))
		if err != nil {
			return err
		}

		var attempts []struct {
			ID        string `json:"id"`
			Mode      string `json:"mode"`
			Total     int    `json:"total_issues"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &attempts); err != nil {
			return err
		}

		if len(attempts) == 0 {
			fmt.Println("No prior attempts for this file.")
			return nil
		}
		for _, a := range attempts {
			fmt.Printf("%s  %s  %s  %d issue(s)\n",
				colorize(colorCyan, shortID(a.ID)),
				a.CreatedAt,
				a.Mode,
				a.Total,
			)
		}
		return nil
	},
}

var historySelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "View a prior attempt's issues (read-only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/attempts/"+args[0]+"/select", nil)
		if err != nil {
			return err
		}

		var view issuesView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printIssuesView(view)
		return nil
	},
}

var historyDownloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download the locally cached marked copy of a prior attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/attempts/"+args[0]+"/download")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return apiError(resp)
		}

		name := out
		if name == "" {
			name = downloadName(resp, args[0]+".docx")
		}
		f, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		if _, err := io.Copy(f, resp.Body); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		printSuccess("Saved %s", name)
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of attempts to list")
	historyDownloadCmd.Flags().String("out", "", "output file path (default: server-suggested name)")
	historyCmd.AddCommand(historySelectCmd)
	historyCmd.AddCommand(historyDownloadCmd)
}

// --- draft ---

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Restore or delete the autosaved draft",
}

var draftRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the autosaved draft for the selected file",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/draft/restore", nil)
		if err != nil {
			return err
		}

		var view sessionView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printSuccess("Draft restored")
		return nil
	},
}

var draftDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the autosaved draft for the selected file",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/draft")
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Draft deleted")
		return nil
	},
}

func init() {
	draftCmd.AddCommand(draftRestoreCmd)
	draftCmd.AddCommand(draftDeleteCmd)
}

// --- preview ---

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Print the preview text",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/preview")
		if err != nil {
			return err
		}

		var view struct {
			Text   string `json:"text"`
			Edited bool   `json:"edited"`
			Error  string `json:"error"`
		}
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		if view.Error != "" {
			printWarning("%s", view.Error)
		}
		if strings.TrimSpace(view.Text) == "" {
			fmt.Println("No preview. Mark a document first.")
			return nil
		}
		fmt.Println(view.Text)
		if view.Edited {
			printStatus("Edited", "yes")
		}
		return nil
	},
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
