package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/and161185/techstore/internal/app"
	"github.com/and161185/techstore/internal/chat"
	"github.com/and161185/techstore/internal/migrate"
	"github.com/and161185/techstore/internal/storage"
)

func (c *cli) chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "talk to buyers and sellers",
	}
	cmd.AddCommand(c.chatListCmd(), c.chatCheckCmd(), c.chatInitCmd(), c.chatOpenCmd())
	return cmd
}

func (c *cli) chatListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list your conversations",
		Args:  cobra.NoArgs,
		RunE: c.withUser(func(cmd *cobra.Command, a *app.App, _ []string) error {
			chats, err := a.API.Chats(cmd.Context())
			if err != nil {
				return err
			}
			if len(chats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conversations")
				return nil
			}
			self, _ := a.Auth.CurrentUser()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPRODUCT\tWITH\tUNREAD\tLAST")
			for _, s := range chats {
				last := ""
				if s.LastMessage != nil {
					last = s.LastMessage.Content
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Product.Name, chat.Other(s.Participants, self.ID).Name, s.UnreadCount, last)
			}
			return tw.Flush()
		}),
	}
}

func (c *cli) chatCheckCmd() *cobra.Command {
	var productID, sellerID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "look up the conversation about a product",
		Args:  cobra.NoArgs,
		RunE: c.withUser(func(cmd *cobra.Command, a *app.App, _ []string) error {
			id, ok, err := a.API.CheckChat(cmd.Context(), productID, sellerID)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "none")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	}
	cmd.Flags().StringVar(&productID, "product", "", "product id")
	cmd.Flags().StringVar(&sellerID, "seller", "", "seller id")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("seller")
	return cmd
}

func (c *cli) chatInitCmd() *cobra.Command {
	var productID, sellerID, message string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "contact a seller about a product",
		Args:  cobra.NoArgs,
		RunE: c.withUser(func(cmd *cobra.Command, a *app.App, _ []string) error {
			id, created, err := chat.Contact(cmd.Context(), a.API, productID, sellerID, message)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (new)\n", id)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	}
	cmd.Flags().StringVar(&productID, "product", "", "product id")
	cmd.Flags().StringVar(&sellerID, "seller", "", "seller id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "first message when the conversation is new")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("seller")
	return cmd
}

func (c *cli) chatOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <chat-id>",
		Short: "open a conversation in the terminal",
		Long: `Open a conversation and keep it in sync with the server.

Enter sends the typed message, Esc or Ctrl+C leaves the conversation.`,
		Args: cobra.ExactArgs(1),
		RunE: c.withUser(func(cmd *cobra.Command, a *app.App, args []string) error {
			return runChatView(cmd.Context(), a, args[0], cmd.ErrOrStderr())
		}),
	}
}

// withUser is withCart for commands that need a logged-in user.
func (c *cli) withUser(fn func(*cobra.Command, *app.App, []string) error) func(*cobra.Command, []string) error {
	return c.withCart(func(cmd *cobra.Command, a *app.App, args []string) error {
		if err := requireUser(a); err != nil {
			a.WarnOnce(cmd.Context(), "login-required", "Please log in to use chat")
			return err
		}
		return fn(cmd, a, args)
	})
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply the postgres slot-storage migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := c.postgresDSN()
			if err != nil {
				return err
			}
			if err := migrate.Up(cmd.Context(), dsn); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := c.postgresDSN()
			if err != nil {
				return err
			}
			v, err := migrate.Status(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})
	return cmd
}

func (c *cli) postgresDSN() (string, error) {
	if c.cfg.Storage.Driver != storage.DriverPostgres || c.cfg.Storage.DSN == "" {
		return "", errors.New("migrate needs storage.driver=postgres and storage.dsn")
	}
	return c.cfg.Storage.DSN, nil
}
