package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/khushaldangi18/conversa/internal/api"
)

func init() {
	rootCmd.AddCommand(statusCmd, chatsCmd, sendCmd, messagesCmd)
	chatsCmd.AddCommand(chatsListCmd, chatsSearchCmd, chatsDeleteCmd, chatsWatchCmd)
	sendCmd.Flags().String("image", "", "send this JPEG file instead of text")
	messagesCmd.AddCommand(messagesWatchCmd, messagesDeleteCmd)
	messagesDeleteCmd.Flags().Bool("everyone", false, "delete for both participants (sender only)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			fmt.Printf("User:      %v\n", st["user_id"])
			fmt.Printf("Presence:  %v\n", st["presence_state"])
			fmt.Printf("Chat list: %v (%v chats)\n", st["chat_list_state"], st["chat_count"])
			fmt.Printf("Blocked:   %v\n", st["blocked_count"])
			fmt.Printf("Uptime:    %vms\n", st["uptime_ms"])
			return nil
		})
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Chat list commands",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			state, chats, err := c.ListChats(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(map[string]any{"state": state, "chats": chats})
				return nil
			}
			printChats(state, chats)
			return nil
		})
	},
}

var chatsSearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Filter the chat list by name, username, email or last message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			chats, err := c.SearchChats(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(chats)
				return nil
			}
			printChats("", chats)
			return nil
		})
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat and all of its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.DeleteChat(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted chat %s\n", args[0])
			return nil
		})
	},
}

var chatsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the chat list every time it changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStream(cmd, func(ctx context.Context, c *api.Client) error {
			err := c.WatchChats(ctx, func(u api.ChatsUpdate) error {
				if jsonFlag {
					outputJSON(u)
					return nil
				}
				if u.NavigateTo != "" {
					fmt.Printf("-> open chat %s\n", u.NavigateTo)
					return nil
				}
				printChats(u.State, u.Chats)
				fmt.Println()
				return nil
			})
			return ignoreCancel(err)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> [text]",
	Short: "Send a text or image message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		if image == "" && len(args) < 2 {
			return fmt.Errorf("text or --image is required")
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			var (
				id  string
				err error
			)
			if image != "" {
				data, readErr := os.ReadFile(image)
				if readErr != nil {
					return readErr
				}
				id, err = c.SendImage(ctx, args[0], data)
			} else {
				id, err = c.SendText(ctx, args[0], args[1])
			}
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(map[string]string{"message_id": id})
				return nil
			}
			fmt.Printf("Sent %s\n", id)
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Conversation commands",
}

var messagesWatchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Open a chat and print its messages as they change; marks them read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStream(cmd, func(ctx context.Context, c *api.Client) error {
			err := c.WatchMessages(ctx, args[0], func(u api.MessagesUpdate) error {
				if jsonFlag {
					outputJSON(u)
					return nil
				}
				fmt.Printf("== %s with %s (%s)\n", u.ChatID, u.PeerID, u.Presence.State)
				for _, m := range u.Messages {
					fmt.Printf("[%s] %-12s %s\n", formatTime(m.Timestamp), m.SenderID, m.Text)
				}
				return nil
			})
			return ignoreCancel(err)
		})
	},
}

var messagesDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id> <message-id>",
	Short: "Delete a message for yourself, or for everyone with --everyone",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		everyone, _ := cmd.Flags().GetBool("everyone")
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.DeleteMessage(ctx, args[0], args[1], everyone)
		})
	},
}

func printChats(state string, chats []api.ChatRow) {
	if state != "" {
		fmt.Printf("State: %s\n", state)
	}
	if len(chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	for _, ch := range chats {
		unread := ""
		if ch.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", ch.UnreadCount)
		}
		fmt.Printf("%-24s %-16s %s  %s%s\n", ch.ID, ch.OtherUserID, formatTime(ch.LastMessageAt), ch.LastMessage, unread)
	}
}

// ignoreCancel treats Ctrl-C on a watch as a normal exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || grpcstatus.Code(err) == codes.Canceled {
		return nil
	}
	return err
}
