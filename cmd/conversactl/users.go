package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/khushaldangi18/conversa/internal/api"
)

func init() {
	rootCmd.AddCommand(usersCmd, requestsCmd, profileCmd)
	usersCmd.AddCommand(usersSearchCmd, usersBlockCmd, usersUnblockCmd, usersPresenceCmd, usersChatCmd)
	requestsCmd.AddCommand(requestsListCmd, requestsAcceptCmd, requestsRejectCmd)
	profileCmd.AddCommand(profileRegisterCmd, profilePhotoCmd, profileVisibilityCmd)

	usersChatCmd.Flags().String("message", "", "note sent with a chat request")

	profileRegisterCmd.Flags().String("email", "", "email address")
	profileRegisterCmd.Flags().String("name", "", "full name")
	profileRegisterCmd.Flags().String("username", "", "username")
	profileRegisterCmd.Flags().Bool("public", false, "let anyone start a chat without a request")
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Find, block and chat with other users",
}

var usersSearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Search users by name, username or email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			users, err := c.SearchUsers(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(users)
				return nil
			}
			if len(users) == 0 {
				fmt.Println("No users found.")
				return nil
			}
			for _, u := range users {
				visibility := "private"
				if u.IsPublic {
					visibility = "public"
				}
				fmt.Printf("%-24s %-24s @%-16s %s\n", u.ID, u.FullName, u.Username, visibility)
			}
			return nil
		})
	},
}

var usersBlockCmd = &cobra.Command{
	Use:   "block <user-id>",
	Short: "Block a user; your chat disappears from both lists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.Block(ctx, args[0])
		})
	},
}

var usersUnblockCmd = &cobra.Command{
	Use:   "unblock <user-id>",
	Short: "Unblock a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.Unblock(ctx, args[0])
		})
	},
}

var usersPresenceCmd = &cobra.Command{
	Use:   "presence <user-id>",
	Short: "Show whether a user is online",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			p, err := c.GetPresence(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(p)
				return nil
			}
			fmt.Printf("%s is %s (last seen %s)\n", p.UserID, p.State, formatTime(p.LastSeen))
			return nil
		})
	},
}

var usersChatCmd = &cobra.Command{
	Use:   "chat <user-id>",
	Short: "Open or create a chat with a user, or send a chat request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		return withClient(func(ctx context.Context, c *api.Client) error {
			outcome, chatID, requestID, err := c.StartChat(ctx, args[0], message)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(map[string]string{"outcome": outcome, "chat_id": chatID, "request_id": requestID})
				return nil
			}
			if requestID != "" {
				fmt.Printf("Chat request %s sent\n", requestID)
				return nil
			}
			fmt.Printf("Chat %s (%s)\n", chatID, outcome)
			return nil
		})
	},
}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Chat requests addressed to you",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending chat requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			reqs, err := c.PendingRequests(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(reqs)
				return nil
			}
			if len(reqs) == 0 {
				fmt.Println("No pending requests.")
				return nil
			}
			for _, r := range reqs {
				fmt.Printf("%-36s from %-24s %s  %s\n", r.ID, r.SenderID, formatTime(r.Timestamp), r.Message)
			}
			return nil
		})
	},
}

var requestsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a chat request and create the chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			chatID, err := c.AcceptRequest(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Chat %s created\n", chatID)
			return nil
		})
	},
}

var requestsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a chat request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.RejectRequest(ctx, args[0])
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage your profile",
}

var profileRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Create or replace your profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		username, _ := cmd.Flags().GetString("username")
		public, _ := cmd.Flags().GetBool("public")
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.RegisterProfile(ctx, api.ProfileRow{Email: email, FullName: name, Username: username, IsPublic: public})
		})
	},
}

var profilePhotoCmd = &cobra.Command{
	Use:   "photo <file>",
	Short: "Upload a JPEG as your profile photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			url, err := c.UpdatePhoto(ctx, data)
			if err != nil {
				return err
			}
			fmt.Printf("Photo URL: %s\n", url)
			return nil
		})
	},
}

var profileVisibilityCmd = &cobra.Command{
	Use:       "visibility <public|private>",
	Short:     "Choose whether others need a chat request to reach you",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"public", "private"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var public bool
		switch args[0] {
		case "public":
			public = true
		case "private":
		default:
			return fmt.Errorf("visibility must be public or private, got %q", args[0])
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.SetVisibility(ctx, public)
		})
	},
}
