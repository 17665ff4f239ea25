package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gitlab.com/elixxir/ekv"

	chatkit "github.com/agrolink-io/chatkit-go"
)

var (
	chatNoCache  bool
	sendKind     string
	sendReplyTo  string
	sendFilename string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().BoolVar(&chatNoCache, "no-cache", false,
		"do not persist conversations between runs")

	sendCmd.Flags().StringVar(&sendKind, "kind", "text",
		"content kind (text, image, audio, file, video)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "",
		"message id this message replies to")
	sendCmd.Flags().StringVar(&sendFilename, "filename", "",
		"attached filename")
}

// newChatClient builds a client from the stored configuration.
func newChatClient() (*chatkit.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.UserID == "" || cfg.Auth.Token == "" {
		return nil, fmt.Errorf("not signed in; run 'chatkit init <user-id> <token>' first")
	}
	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = chatkit.DefaultBaseURL
	}

	opts := []chatkit.Option{chatkit.WithBaseURL(baseURL)}
	if !chatNoCache {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		kv, err := ekv.NewFilestore(filepath.Join(dir, "cache"), cfg.Auth.Token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: conversation cache unavailable: %v\n", err)
		} else {
			opts = append(opts, chatkit.WithKV(kv))
		}
	}

	auth := chatkit.NewRESTAuthProvider(baseURL, cfg.Auth.Token, nil)
	return chatkit.NewClient(cfg.Auth.UserID, auth, opts...), nil
}

// waitConnected blocks until the client reaches the connected state or the
// lifecycle ends in logout.
func waitConnected(client *chatkit.Client, timeout time.Duration) error {
	done := make(chan error, 1)
	client.OnStateChange("cli/wait", func(s chatkit.State) {
		if s == chatkit.StateConnected {
			select {
			case done <- nil:
			default:
			}
		}
	})
	client.OnLogout("cli/wait", func(reason string) {
		select {
		case done <- fmt.Errorf("logged out: %s", reason):
		default:
		}
	})
	if err := client.Connect(); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for connection")
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and stream realtime events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newChatClient()
		if err != nil {
			return err
		}
		defer client.Close()

		client.OnStateChange("cli/watch", func(s chatkit.State) {
			fmt.Printf("-- connection: %s\n", s)
		})
		client.OnMessage("cli/watch", func(m chatkit.Message) {
			fmt.Printf("[%s] %s -> %s: %s\n",
				m.CreatedAt.Format(time.TimeOnly), m.SenderID, m.ReceiverID, m.Content)
		})
		client.Router().OnEdit("cli/watch", func(m chatkit.Message) {
			fmt.Printf("** %s edited %s: %s\n", m.SenderID, m.ID, m.Content)
		})
		client.Router().OnDeletion("cli/watch", func(id string) {
			fmt.Printf("** message %s deleted\n", id)
		})
		client.Router().OnReaction("cli/watch", func(ev chatkit.ReactionEvent) {
			fmt.Printf("** reactions on %s: %d\n", ev.MessageID, len(ev.Reactions))
		})
		client.Presence().OnPresenceChange("cli/watch", func(users []string) {
			fmt.Printf("-- online: %v\n", users)
		})
		client.Presence().OnTypingChange("cli/watch", func(users []string) {
			if len(users) > 0 {
				fmt.Printf("-- typing: %v\n", users)
			}
		})

		logout := make(chan string, 1)
		client.OnLogout("cli/watch", func(reason string) { logout <- reason })

		if err := client.Connect(); err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sig:
			fmt.Println("\nbye")
		case reason := <-logout:
			return fmt.Errorf("logged out: %s", reason)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <counterpart-id> <content>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newChatClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := waitConnected(client, 20*time.Second); err != nil {
			return err
		}
		client.SetActiveConversation(args[0])

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		correlationID, err := client.SendMessage(ctx, args[1], &chatkit.SendOptions{
			Kind:      chatkit.ContentKind(sendKind),
			ReplyToID: sendReplyTo,
			Filename:  sendFilename,
		})
		if err != nil {
			return err
		}
		fmt.Printf("sent (correlation %s)\n", correlationID)
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <emoji>",
	Short: "React to a message with a single emoji",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newChatClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := waitConnected(client, 20*time.Second); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.ReactToMessage(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("reaction sent")
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <counterpart-id>",
	Short: "Fetch and print a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newChatClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.LoadHistory(ctx, args[0]); err != nil {
			return err
		}

		key := chatkit.NewConversationKey(client.LocalUser(), args[0])
		msgs := client.Store().Messages(key)
		sort.Slice(msgs, func(i, j int) bool {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		})
		for _, m := range msgs {
			edited := ""
			if m.IsEdited {
				edited = " (edited)"
			}
			fmt.Printf("[%s] %s: %s%s\n",
				m.CreatedAt.Format(time.DateTime), m.SenderID, m.Content, edited)
		}
		fmt.Printf("%d messages, %d unread\n", len(msgs), client.Store().UnreadCount(key))
		return nil
	},
}
