package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *client) request(method, path string, body any) (int, []byte, error) {
	var buf *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(b)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

func printJSON(raw []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(pretty.String())
}

func main() {
	baseURL := getenv("MANGAFORGE_BASE_URL", "http://localhost:8080")
	userID := getenv("MANGAFORGE_USER_ID", "")
	u := newUI()

	root := &cobra.Command{
		Use:   "forgectl",
		Short: "mangaforge CLI",
		Long:  "mangaforge CLI for submitting episode generations and watching their progress.",
	}
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "Base URL for the mangaforge API")
	root.PersistentFlags().StringVar(&userID, "user", userID, "User id sent as X-User-Id")

	root.AddCommand(submitCmd(&baseURL, &userID, u))
	root.AddCommand(statusCmd(&baseURL, &userID, u))
	root.AddCommand(watchCmd(&baseURL, &userID, u))
	root.AddCommand(resultCmd(&baseURL, &userID, u))
	root.AddCommand(cancelCmd(&baseURL, &userID, u))
	root.AddCommand(providersCmd(&baseURL, &userID, u))
	root.AddCommand(episodesCmd(&baseURL, &userID, u))
	root.AddCommand(configsCmd(&baseURL, &userID, u))
	root.AddCommand(queuesCmd(&baseURL, &userID, u))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, u.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func newClient(baseURL, userID *string) *client {
	return &client{
		baseURL:    strings.TrimRight(*baseURL, "/"),
		userID:     *userID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func submitCmd(baseURL, userID *string, u *ui) *cobra.Command {
	var (
		episodeID   string
		projectID   string
		scriptFile  string
		style       string
		aspectRatio string
		subtitles   bool
		bgmPath     string
		bgmVolume   float64
		fromStage   string
		idempotency string
		follow      bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an episode generation task",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"episodeId":    episodeID,
				"projectId":    projectID,
				"style":        style,
				"aspectRatio":  aspectRatio,
				"addSubtitles": subtitles,
			}
			if scriptFile != "" {
				data, err := os.ReadFile(scriptFile)
				if err != nil {
					return err
				}
				body["scriptOverride"] = string(data)
			}
			if bgmPath != "" {
				body["bgmPath"] = bgmPath
				body["bgmVolume"] = bgmVolume
			}
			if fromStage != "" {
				body["regenerateFromStage"] = fromStage
			}
			if idempotency != "" {
				body["idempotencyKey"] = idempotency
			}

			sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			sp.Suffix = " submitting..."
			sp.Start()
			code, out, err := newClient(baseURL, userID).request(http.MethodPost, "/v1/mangaforge/tasks", body)
			sp.Stop()
			if err != nil {
				return err
			}
			if code != http.StatusAccepted && code != http.StatusOK {
				return fmt.Errorf("submit failed (%d): %s", code, strings.TrimSpace(string(out)))
			}

			var task struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(out, &task)
			if code == http.StatusOK {
				fmt.Println(u.warn("duplicate:"), "idempotency key matched an existing task")
			}
			fmt.Println(u.ok("submitted:"), task.ID)
			if follow {
				return watchTask(baseURL, userID, task.ID, u)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&episodeID, "episode", "", "Episode id")
	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	cmd.Flags().StringVar(&scriptFile, "script", "", "Path to a script text file (overrides the episode's script)")
	cmd.Flags().StringVar(&style, "style", "anime", "Art style: anime | manga | realistic | 3d")
	cmd.Flags().StringVar(&aspectRatio, "aspect", "9:16", "Aspect ratio: 9:16 | 16:9 | 1:1")
	cmd.Flags().BoolVar(&subtitles, "subtitles", true, "Burn subtitles into the final video")
	cmd.Flags().StringVar(&bgmPath, "bgm", "", "Background music object path")
	cmd.Flags().Float64Var(&bgmVolume, "bgm-volume", 0.3, "Background music volume (0-1)")
	cmd.Flags().StringVar(&fromStage, "from-stage", "", "Regenerate from this stage, reusing earlier results")
	cmd.Flags().StringVar(&idempotency, "idempotency-key", "", "Idempotency key")
	cmd.Flags().BoolVar(&follow, "follow", false, "Watch progress after submitting")
	return cmd
}

func statusCmd(baseURL, userID *string, u *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, out, err := newClient(baseURL, userID).request(http.MethodGet, "/v1/mangaforge/tasks/"+args[0]+"/status", nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("status failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			printJSON(out)
			return nil
		},
	}
}

func watchCmd(baseURL, userID *string, u *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's progress over WebSocket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchTask(baseURL, userID, args[0], u)
		},
	}
}

type wsEvent struct {
	Kind     string `json:"type"`
	Stage    string `json:"stage"`
	Overall  int    `json:"overallProgress"`
	Message  string `json:"message"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

func watchTask(baseURL, userID *string, taskID string, u *ui) error {
	wsURL, err := toWebSocketURL(*baseURL, "/v1/mangaforge/ws/tasks/"+taskID+"/progress")
	if err != nil {
		return err
	}
	header := http.Header{}
	if *userID != "" {
		header.Set("X-User-Id", *userID)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("task %s not found", taskID)
		}
		return err
	}
	defer conn.Close()

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("generating"),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		switch ev.Kind {
		case "complete":
			_ = bar.Finish()
			fmt.Println(u.ok("completed"))
			return nil
		case "error":
			_ = bar.Clear()
			fmt.Println(u.err("failed:"), ev.Message)
			return nil
		case "cancelled":
			_ = bar.Clear()
			fmt.Println(u.warn("cancelled"))
			return nil
		case "":
			// Initial status snapshot from the server.
			if ev.Status != "" {
				_ = bar.Set(ev.Overall)
			}
		default:
			bar.Describe(ev.Stage)
			_ = bar.Set(ev.Overall)
		}
	}
}

func toWebSocketURL(base, path string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	return parsed.String(), nil
}

func resultCmd(baseURL, userID *string, u *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "result <task-id>",
		Short: "Fetch a completed task's result with a download URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, out, err := newClient(baseURL, userID).request(http.MethodGet, "/v1/mangaforge/tasks/"+args[0]+"/result", nil)
			if err != nil {
				return err
			}
			switch code {
			case http.StatusOK:
				printJSON(out)
				return nil
			case http.StatusConflict:
				return fmt.Errorf("task is not completed yet")
			case http.StatusNotFound:
				return fmt.Errorf("task %s not found", args[0])
			default:
				return fmt.Errorf("result failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
		},
	}
}

func cancelCmd(baseURL, userID *string, u *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, out, err := newClient(baseURL, userID).request(http.MethodPost, "/v1/mangaforge/tasks/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("cancel failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			fmt.Println(u.ok("cancel requested"))
			return nil
		},
	}
}

func providersCmd(baseURL, userID *string, u *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect capability providers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [kind]",
		Short: "List provider kinds, or the providers of one kind",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/mangaforge/providers"
			if len(args) == 1 {
				path += "/" + args[0]
			}
			code, out, err := newClient(baseURL, userID).request(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("list failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			printJSON(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "health <kind> <name>",
		Short: "Probe one provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/mangaforge/providers/%s/%s/health", args[0], args[1])
			code, out, err := newClient(baseURL, userID).request(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("health failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			printJSON(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "models <kind> <name>",
		Short: "List one provider's models",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/mangaforge/providers/%s/%s/models", args[0], args[1])
			code, out, err := newClient(baseURL, userID).request(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("models failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			printJSON(out)
			return nil
		},
	})
	return cmd
}

func episodesCmd(baseURL, userID *string, u *ui) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "episodes",
		Short: "Manage episodes",
	}
	cmd.PersistentFlags().StringVar(&projectID, "project", "default", "Project id")

	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create an episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptFile, _ := cmd.Flags().GetString("script")
			body := map[string]any{"title": args[0]}
			if scriptFile != "" {
				data, err := os.ReadFile(scriptFile)
				if err != nil {
					return err
				}
				body["scriptInput"] = string(data)
			}
			path := "/v1/mangaforge/projects/" + projectID + "/episodes"
			code, out, err := newClient(baseURL, userID).request(http.MethodPost, path, body)
			if err != nil {
				return err
			}
			if code != http.StatusCreated {
				return fmt.Errorf("create failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			printJSON(out)
			return nil
		},
	}
	create.Flags().String("script", "", "Path to the raw script text file")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List a project's episodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/mangaforge/projects/" + projectID + "/episodes"
			code, out, err := newClient(baseURL, userID).request(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("list failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			printJSON(out)
			return nil
		},
	})
	return cmd
}

func configsCmd(baseURL, userID *string, u *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "Manage your stored provider configurations",
	}

	set := &cobra.Command{
		Use:   "set <kind> <provider>",
		Short: "Store a provider configuration for your user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, _ := cmd.Flags().GetString("endpoint")
			model, _ := cmd.Flags().GetString("model")
			priority, _ := cmd.Flags().GetInt("priority")

			apiKey := os.Getenv("MANGAFORGE_API_KEY")
			if apiKey == "" && term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprint(os.Stderr, "API key (empty to skip): ")
				secret, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return err
				}
				apiKey = string(secret)
			}

			body := map[string]any{
				"provider": args[1],
				"priority": priority,
				"active":   true,
			}
			if apiKey != "" {
				body["apiKey"] = apiKey
			}
			if endpoint != "" {
				body["endpoint"] = endpoint
			}
			if model != "" {
				body["model"] = model
			}
			code, out, err := newClient(baseURL, userID).request(http.MethodPut, "/v1/mangaforge/configs/"+args[0], body)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("set failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			fmt.Println(u.ok("saved:"), args[0]+"/"+args[1])
			return nil
		},
	}
	set.Flags().String("endpoint", "", "Provider endpoint override")
	set.Flags().String("model", "", "Model override")
	set.Flags().Int("priority", 0, "Fallback priority (lower tries first)")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "list <kind>",
		Short: "List your stored configurations for a kind (keys redacted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, out, err := newClient(baseURL, userID).request(http.MethodGet, "/v1/mangaforge/configs/"+args[0], nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("list failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			printJSON(out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <kind> <provider>",
		Short: "Delete one stored configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/mangaforge/configs/" + args[0] + "/" + args[1]
			code, out, err := newClient(baseURL, userID).request(http.MethodDelete, path, nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("delete failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			fmt.Println(u.ok("deleted:"), args[0]+"/"+args[1])
			return nil
		},
	})
	return cmd
}

func queuesCmd(baseURL, userID *string, u *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, out, err := newClient(baseURL, userID).request(http.MethodGet, "/v1/mangaforge/queues/stats", nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("stats failed (%d): %s", code, strings.TrimSpace(string(out)))
			}
			printJSON(out)
			return nil
		},
	}
}
