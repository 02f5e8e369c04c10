package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/and161185/techstore/internal/app"
	"github.com/and161185/techstore/internal/cart"
)

func (c *cli) cartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cart",
		Short: "manage the shopping cart",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <product-id>",
			Short: "add one unit of a product",
			Args:  cobra.ExactArgs(1),
			RunE: c.withCart(func(cmd *cobra.Command, a *app.App, args []string) error {
				p, err := a.API.Product(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("load product: %w", err)
				}
				if err := a.Cart.Add(cmd.Context(), p.CartCandidate()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s x%d\n", p.Name, a.Cart.QuantityOf(p.ID))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rm <product-id>",
			Short: "remove a product line",
			Args:  cobra.ExactArgs(1),
			RunE: c.withCart(func(cmd *cobra.Command, a *app.App, args []string) error {
				a.Cart.Remove(cmd.Context(), args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set <product-id> <quantity>",
			Short: "set the quantity of a line (0 removes it)",
			Args:  cobra.ExactArgs(2),
			RunE: c.withCart(func(cmd *cobra.Command, a *app.App, args []string) error {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("quantity: %w", err)
				}
				a.Cart.SetQuantity(cmd.Context(), args[0], n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "empty the cart",
			Args:  cobra.NoArgs,
			RunE: c.withCart(func(cmd *cobra.Command, a *app.App, _ []string) error {
				a.Cart.Clear(cmd.Context())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "show",
			Short: "list cart lines and the total",
			Args:  cobra.NoArgs,
			RunE: c.withCart(func(cmd *cobra.Command, a *app.App, _ []string) error {
				printCart(cmd.OutOrStdout(), a.Cart.Snapshot())
				return nil
			}),
		},
	)
	return cmd
}

// withCart opens the app around fn and prints the notices fn raised.
func (c *cli) withCart(fn func(*cobra.Command, *app.App, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := c.openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		err = fn(cmd, a, args)
		flushNotices(cmd.ErrOrStderr(), a)
		return err
	}
}

func printCart(w io.Writer, s cart.CheckoutSnapshot) {
	if len(s.Lines) == 0 {
		fmt.Fprintln(w, "cart is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tQTY\tSTOCK\tPRICE\tSUBTOTAL")
	for _, l := range s.Lines {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			l.ID, l.Name, l.Quantity, l.Stock, l.Price.StringFixed(2), l.Subtotal().StringFixed(2))
	}
	_ = tw.Flush()
	fmt.Fprintln(w, boldStyle.Render(fmt.Sprintf("%d items, total %s", s.Count, s.Total.StringFixed(2))))
}
