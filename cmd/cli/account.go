package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) loginCmd() *cobra.Command {
	var name, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "authenticate and save the access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" || password == "" {
				return errors.New("need -u and -p")
			}
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.Auth.Login(cmd.Context(), name, password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok (%s)\n", u.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "user", "u", "", "user name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "forget the saved access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Auth.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "show the logged-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := requireUser(a); err != nil {
				return err
			}
			u, _ := a.Auth.CurrentUser()
			printJSON(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func (c *cli) profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <user-id>",
		Short: "show a public user profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			u, err := a.API.User(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("profile: %w", err)
			}
			printJSON(cmd.OutOrStdout(), u)
			return nil
		},
	}
}
