package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	loopline "github.com/loopline-hq/loopline-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool

	// messages
	messagesLimit int

	// notifications
	notificationsUnread bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.Conversations().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(conversations, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			names := make([]string, 0, len(c.Participants))
			for _, p := range c.Participants {
				names = append(names, p.Username)
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			last := ""
			if c.LastMessage != nil {
				last = " — " + c.LastMessage.Content
			}
			fmt.Printf("  %s: %s%s%s\n", c.ID, strings.Join(names, ", "), unread, last)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show message history for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var opts *loopline.PageOptions
		if messagesLimit > 0 {
			opts = &loopline.PageOptions{Limit: messagesLimit}
		}

		messages, err := client.Messages().History(ctx, args[0], opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format(time.RFC3339), msg.SenderID, msg.Content)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <target> <message>",
	Short: "Send a message to a user or conversation",
	Long:  "Send a message. The target is either a conversation id or a user id;\na direct conversation is created when none exists.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, text := args[0], args[1]
		svc, _ := getService()
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := svc.Send(ctx, target, text)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Status:     %s\n", msg.Status)
		return nil
	},
}

// ============================================================================
// chat (live tail)
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <target>",
	Short: "Follow a conversation live",
	Long:  "Open a live channel to a conversation and print messages and typing\nindicators as they arrive. Interrupt to leave.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _ := getService()
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		convID, err := svc.Open(ctx, args[0])
		if err != nil {
			return fmt.Errorf("open failed: %w", err)
		}

		history, err := svc.Cache().Messages(ctx, convID, false)
		if err == nil {
			for _, msg := range history {
				fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04:05"), msg.SenderID, msg.Content)
			}
		}

		ch, ok := svc.Pool().Get(convID)
		if !ok {
			return fmt.Errorf("no live channel for %s", convID)
		}
		msgSub := ch.OnMessage(func(m loopline.Message) {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.SenderID, m.Content)
		})
		defer msgSub.Cancel()
		typSub := ch.OnTyping(func(ev loopline.TypingEvent) {
			if ev.Started {
				fmt.Printf("  * %s is typing...\n", ev.UserID)
			}
		})
		defer typSub.Cancel()

		fmt.Printf("Connected to %s. Ctrl-C to leave.\n", convID)
		<-ctx.Done()
		fmt.Println("\nLeaving.")
		return nil
	},
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		notifications, err := client.Notifications().List(ctx, nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		shown := 0
		for _, n := range notifications {
			if notificationsUnread && n.IsRead {
				continue
			}
			marker := " "
			if !n.IsRead {
				marker = "*"
			}
			sender := "system"
			if n.Sender != nil {
				sender = n.Sender.Username
			}
			fmt.Printf("%s [%s] %s from %s\n", marker, n.CreatedAt.Format("2006-01-02 15:04"), n.Type, sender)
			shown++
		}
		if shown == 0 {
			fmt.Println("No notifications.")
		}
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark all notifications as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications().MarkAllRead(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("All notifications marked as read.")
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Maximum number of messages to return")
	notificationsCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Show only unread notifications")

	notificationsCmd.AddCommand(notificationsReadAllCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(notificationsCmd)
}
