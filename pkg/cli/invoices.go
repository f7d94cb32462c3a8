package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
)

// lineItemsFlag collects repeated --item description:quantity:unitPriceCents
type lineItemsFlag []invoices.LineItem

func (f *lineItemsFlag) String() string {
	parts := make([]string, 0, len(*f))
	for _, item := range *f {
		parts = append(parts, fmt.Sprintf("%s:%g:%d", item.Description, item.Quantity, item.UnitPriceCents))
	}
	return strings.Join(parts, ",")
}

func (f *lineItemsFlag) Set(value string) error {
	item, err := parseLineItem(value)
	if err != nil {
		return err
	}
	*f = append(*f, item)
	return nil
}

// parseLineItem splits from the right so descriptions may contain colons
func parseLineItem(value string) (invoices.LineItem, error) {
	i := strings.LastIndex(value, ":")
	if i < 0 {
		return invoices.LineItem{}, fmt.Errorf("line item %q must be description:quantity:unitPriceCents", value)
	}
	j := strings.LastIndex(value[:i], ":")
	if j < 0 {
		return invoices.LineItem{}, fmt.Errorf("line item %q must be description:quantity:unitPriceCents", value)
	}

	quantity, err := strconv.ParseFloat(value[j+1:i], 64)
	if err != nil {
		return invoices.LineItem{}, fmt.Errorf("invalid quantity in %q: %w", value, err)
	}
	price, err := strconv.ParseInt(value[i+1:], 10, 64)
	if err != nil {
		return invoices.LineItem{}, fmt.Errorf("invalid unit price in %q: %w", value, err)
	}
	return invoices.LineItem{Description: value[:j], Quantity: quantity, UnitPriceCents: price}, nil
}

func newInvoicesCommand() *Command {
	cmd := &Command{
		Name:        "invoices",
		Description: "Create, list, show and delete invoices",
		Subcommands: make(map[string]*Command),
	}
	cmd.Subcommands["create"] = &Command{Name: "create", Description: "Create a draft invoice", Run: runInvoicesCreate}
	cmd.Subcommands["list"] = &Command{Name: "list", Description: "List your invoices", Run: runInvoicesList}
	cmd.Subcommands["get"] = &Command{Name: "get", Description: "Show one invoice", Run: runInvoicesGet}
	cmd.Subcommands["delete"] = &Command{Name: "delete", Description: "Delete a draft invoice", Run: runInvoicesDelete}
	return cmd
}

func runInvoicesCreate(args []string) error {
	fs := flag.NewFlagSet("invoices create", flag.ContinueOnError)
	conn := addConnectionFlags(fs)
	clientName := fs.String("client", "", "Client name")
	clientEmail := fs.String("email", "", "Client email")
	notes := fs.String("notes", "", "Notes")
	taxRate := fs.Float64("tax", 0, "Tax rate percent")
	var items lineItemsFlag
	fs.Var(&items, "item", "Line item description:quantity:unitPriceCents (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *clientName == "" || len(items) == 0 {
		return fmt.Errorf("--client and at least one --item are required")
	}

	return withSession(conn, func(ctx context.Context, s *session) error {
		inv, err := s.client.CreateInvoice(ctx, invoices.Input{
			ClientName:  *clientName,
			ClientEmail: *clientEmail,
			Notes:       *notes,
			LineItems:   items,
			TaxRate:     *taxRate,
		})
		if err != nil {
			return fmt.Errorf("failed to create invoice: %w", err)
		}
		return printJSON(inv)
	})
}

func runInvoicesList(args []string) error {
	fs := flag.NewFlagSet("invoices list", flag.ContinueOnError)
	conn := addConnectionFlags(fs)
	limit := fs.Int("limit", invoices.DefaultListLimit, "Maximum invoices to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(conn, func(ctx context.Context, s *session) error {
		list, err := s.client.ListInvoices(ctx, *limit)
		if err != nil {
			return fmt.Errorf("failed to list invoices: %w", err)
		}
		for _, inv := range list {
			number := inv.InvoiceNumber
			if number == "" {
				number = "-"
			}
			fmt.Fprintf(stdout, "%-28s %-12s %-8s %10s  %s\n", inv.ID, number, inv.Status, formatCents(inv.TotalCents), inv.ClientName)
		}
		return nil
	})
}

func runInvoicesGet(args []string) error {
	fs := flag.NewFlagSet("invoices get", flag.ContinueOnError)
	conn := addConnectionFlags(fs)
	id := fs.String("id", "", "Invoice id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	return withSession(conn, func(ctx context.Context, s *session) error {
		inv, err := s.client.GetInvoice(ctx, *id)
		if err != nil {
			return fmt.Errorf("failed to get invoice: %w", err)
		}
		return printJSON(inv)
	})
}

func runInvoicesDelete(args []string) error {
	fs := flag.NewFlagSet("invoices delete", flag.ContinueOnError)
	conn := addConnectionFlags(fs)
	id := fs.String("id", "", "Invoice id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	return withSession(conn, func(ctx context.Context, s *session) error {
		if err := s.client.DeleteInvoice(ctx, *id); err != nil {
			return fmt.Errorf("failed to delete invoice: %w", err)
		}
		fmt.Fprintf(stdout, "deleted %s\n", *id)
		return nil
	})
}

func newCheckoutCommand() *Command {
	return &Command{
		Name:        "checkout",
		Description: "Start a checkout for a fee and print the payment URL",
		Run:         runCheckout,
	}
}

func runCheckout(args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	conn := addConnectionFlags(fs)
	invoiceID := fs.String("invoice", "", "Invoice id")
	fee := fs.String("fee", string(checkout.FeeService), "Fee kind: registration, service-fee or full-payment")
	cancelURL := fs.String("cancel-url", "", "Where the browser returns if payment is abandoned")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *invoiceID == "" || *cancelURL == "" {
		return fmt.Errorf("--invoice and --cancel-url are required")
	}

	return withSession(conn, func(ctx context.Context, s *session) error {
		result, err := s.client.StartCheckout(ctx, checkout.Request{
			InvoiceID: *invoiceID,
			FeeKind:   *fee,
			CancelURL: *cancelURL,
		})
		if err != nil {
			return fmt.Errorf("failed to start checkout: %w", err)
		}
		fmt.Fprintf(stdout, "session: %s\nopen: %s\n", result.SessionID, result.URL)
		return nil
	})
}

func newWhoamiCommand() *Command {
	return &Command{
		Name:        "whoami",
		Description: "Show the signed-in principal",
		Run:         runWhoami,
	}
}

func runWhoami(args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	conn := addConnectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(conn, func(ctx context.Context, s *session) error {
		principal, err := s.client.AwaitPrincipal(ctx)
		if err != nil {
			return err
		}
		return printJSON(principal)
	})
}

func withSession(conn *connectionFlags, fn func(ctx context.Context, s *session) error) error {
	ctx := context.Background()
	s, err := connect(ctx, conn)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
