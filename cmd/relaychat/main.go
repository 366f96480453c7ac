package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relaychat/config"
	"relaychat/connection"
	"relaychat/history"
	"relaychat/models"
	"relaychat/session"
)

var (
	serverURL    string
	apiURL       string
	userID       string
	displayName  string
	conversation string
	verbose      bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relaychat",
	Short: "relaychat - terminal chat client",
	Long: `relaychat connects to a relaychat server and starts an interactive
chat session. Lines you type are sent as messages; commands start
with a slash:

  /edit <id> <text>   edit one of your messages
  /del <id>           delete a message
  /react <id> <emoji> toggle a reaction
  /pin <id>           toggle a pin
  /more               load older history
  /list               print the current message list
  /quit               exit`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "websocket URL (default from RELAYCHAT_WS_URL)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "history API base URL (default from RELAYCHAT_API_URL)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user ID (default from RELAYCHAT_USER)")
	rootCmd.PersistentFlags().StringVar(&displayName, "name", "", "display name (default from RELAYCHAT_NAME)")
	rootCmd.PersistentFlags().StringVar(&conversation, "conversation", "", "conversation ID")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func runChat() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}
	if apiURL == "" {
		apiURL = cfg.HistoryURL
	}
	if userID == "" {
		userID = cfg.UserID
	}
	if userID == "" {
		userID = uuid.NewString()
	}
	if displayName == "" {
		displayName = cfg.DisplayName
	}
	if displayName == "" {
		displayName = userID
	}
	if conversation == "" {
		conversation = cfg.Conversation
	}

	mgr := connection.NewManager(connection.Options{
		URL:    fmt.Sprintf("%s?user=%s&name=%s", serverURL, userID, displayName),
		Logger: logger,
	})
	defer mgr.Close()

	sess := session.New(session.Options{
		Conn:         mgr,
		Self:         models.Identity{UserID: userID, DisplayName: displayName},
		Conversation: models.Conversation{ID: conversation, Title: conversation},
		History:      history.NewClient(apiURL),
		Logger:       logger,
	})
	defer sess.Close()

	cancelState := mgr.SubscribeState(func(st connection.State) {
		fmt.Printf("-- connection: %s\n", st)
	})
	defer cancelState()

	cancelMsgs := mgr.SubscribeMessages(func(f models.Frame) {
		switch f.Type() {
		case models.FrameTypeMessage:
			if f.Str("userId") != userID {
				fmt.Printf("[%s] %s: %s\n", f.Str("id"), f.Str("displayName"), f.Str("content"))
			}
		case models.FrameTypeNotification:
			fmt.Printf("-- %s: %s\n", f.Str("event"), f.Str("userId"))
		case models.FrameTypeTyping:
			if f.Bool("isTyping") && f.Str("userId") != userID {
				fmt.Printf("-- %s is typing...\n", f.Str("userId"))
			}
		}
	})
	defer cancelMsgs()

	mgr.Connect()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			sess.SendMessage(line, "")
			continue
		}
		if done := runCommand(sess, line); done {
			return nil
		}
	}
	return scanner.Err()
}

// runCommand handles a slash command; returns true on /quit.
func runCommand(sess *session.Session, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/edit":
		if len(fields) >= 3 {
			sess.EditMessage(fields[1], strings.Join(fields[2:], " "))
		}
	case "/del":
		if len(fields) == 2 {
			sess.DeleteMessage(fields[1])
		}
	case "/react":
		if len(fields) == 3 {
			sess.ReactToMessage(fields[1], fields[2])
		}
	case "/pin":
		if len(fields) == 2 {
			sess.TogglePinMessage(fields[1])
		}
	case "/more":
		if err := sess.LoadMoreMessages(context.Background()); err != nil {
			fmt.Printf("-- history: %v\n", err)
		}
	case "/list":
		for _, m := range sess.Messages() {
			flags := ""
			if m.IsPinned {
				flags += " *pinned*"
			}
			if m.IsEdited {
				flags += " (edited)"
			}
			fmt.Printf("[%s] %s (%s): %s%s\n", m.ID, m.AuthorDisplay, m.DeliveryStatus, m.Content, flags)
		}
	default:
		fmt.Printf("-- unknown command %s\n", fields[0])
	}
	return false
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
