package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/PuerkitoBio/goquery"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"snappyar-notifier/auth"
	"snappyar-notifier/calendar"
	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/scraper"
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cfg, err := c.open(cmd, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.logger.Warn("Failed to close storage", "error", err)
				}
			}()
			slog.SetDefault(a.logger)

			port, _ := cmd.Flags().GetString("port")
			if port == "" {
				port = cfg.Port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := a.server().ListenAndServe(ctx, port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringP("port", "p", "", "Port to listen on (default $PORT or 8080)")
	return cmd
}

func (c *cli) dateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "date <jalali date>",
		Short: "Convert a dashboard date such as 1402/01/15 to Y-M-D",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := calendar.JalaliToGregorian(strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), day)
			return err
		},
	}
}

func (c *cli) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [file]",
		Short: "Inject action buttons into a dashboard HTML snapshot",
		Long:  "Reads a dashboard snapshot from file, or stdin when omitted or \"-\", and writes it back with the action cells added.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := input(cmd, args)
			if err != nil {
				return err
			}
			defer src.Close()

			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			out, report, err := a.scraper.ReconcileHTML(cmd.Context(), src)
			if err != nil {
				return err
			}
			if _, err := io.WriteString(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			pterm.Info.WithWriter(cmd.ErrOrStderr()).Printfln("tables=%d headers_added=%d cells_added=%d rows_skipped=%d",
				report.Tables, report.HeadersAdded, report.CellsAdded, report.RowsSkipped)
			return nil
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <file> <order id>",
		Short: "Send the SMS for one order row of a dashboard snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := notifier.ActionKind(flagString(cmd, "kind"))
			if !kind.Valid() {
				return fmt.Errorf("unknown kind %q, want single or aggregate", kind)
			}
			src, err := input(cmd, args[:1])
			if err != nil {
				return err
			}
			defer src.Close()
			doc, err := goquery.NewDocumentFromReader(src)
			if err != nil {
				return fmt.Errorf("parse snapshot: %w", err)
			}
			row, ok := scraper.FindRow(doc, args[1])
			if !ok {
				return fmt.Errorf("order row %q not found", args[1])
			}

			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, sendErr := a.dispatcher.Send(cmd.Context(), flagString(cmd, "domain"), row, kind)
			if outcome == nil {
				return sendErr
			}
			if flagString(cmd, "output") == "json" {
				if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
					return err
				}
				return sendErr
			}
			switch {
			case outcome.Sent && outcome.Toast == nil:
				pterm.Info.Println(outcome.Label)
			case outcome.Sent:
				pterm.Success.Println(outcome.Toast.Message)
				fmt.Fprintln(cmd.OutOrStdout(), outcome.Message)
			case outcome.Toast != nil:
				pterm.Error.Println(outcome.Toast.Message)
			default:
				pterm.Warning.Println(outcome.Label)
			}
			return sendErr
		},
	}
	cmd.Flags().StringP("domain", "d", "", "Storefront domain (default key when empty)")
	cmd.Flags().StringP("kind", "k", string(notifier.ActionSingle), "Action kind: single or aggregate")
	cmd.Flags().StringP("output", "o", "", "Output format (json)")
	return cmd
}

func (c *cli) loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the vendor dashboard with a password or a one-time code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			domain := flagString(cmd, "domain")
			cellphone := flagString(cmd, "cellphone")
			if cellphone == "" {
				if cellphone, err = pterm.DefaultInteractiveTextInput.Show("شماره موبایل"); err != nil {
					return err
				}
			}

			var st auth.Status
			if password := flagString(cmd, "password"); password != "" {
				st, err = a.flow.LoginPassword(cmd.Context(), domain, cellphone, password)
			} else {
				st, err = c.loginOTP(cmd, a, domain, cellphone)
			}
			if err != nil {
				return err
			}
			pterm.Success.Println(st.Text)
			return nil
		},
	}
	cmd.Flags().StringP("domain", "d", "", "Storefront domain (default key when empty)")
	cmd.Flags().StringP("cellphone", "c", "", "Vendor account cellphone")
	cmd.Flags().String("password", "", "Password; without it a one-time code is requested")
	return cmd
}

func (c *cli) loginOTP(cmd *cobra.Command, a *app, domain, cellphone string) (auth.Status, error) {
	window, err := a.flow.RequestOTP(cmd.Context(), domain, cellphone)
	if err != nil {
		return auth.Status{}, err
	}
	pterm.Info.Printfln("کد تایید ارسال شد؛ %d ثانیه فرصت دارید", int(window.Seconds()))
	code, err := pterm.DefaultInteractiveTextInput.Show("کد تایید")
	if err != nil {
		return auth.Status{}, err
	}
	return a.flow.VerifyOTP(cmd.Context(), domain, cellphone, code)
}

func (c *cli) logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear the vendor session of a domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			domain := flagString(cmd, "domain")
			if err := a.options.Logout(cmd.Context(), domain); err != nil {
				return err
			}
			pterm.Success.Println(a.flow.Status(cmd.Context(), domain).Text)
			return nil
		},
	}
	cmd.Flags().StringP("domain", "d", "", "Storefront domain (default key when empty)")
	return cmd
}

func (c *cli) accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List domains with a valid vendor session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			accounts := a.options.Accounts(cmd.Context())
			if flagString(cmd, "output") == "json" {
				return printJSON(cmd.OutOrStdout(), accounts)
			}
			if len(accounts) == 0 {
				pterm.Info.Println("هیچ حسابی وارد نشده است")
				return nil
			}
			data := pterm.TableData{{"Domain", "Expires", "Days left"}}
			for _, acc := range accounts {
				data = append(data, []string{acc.Label, acc.ExpiresAt.Format("2006-01-02 15:04"), strconv.Itoa(acc.RemainingDays)})
			}
			return pterm.DefaultTable.WithHasHeader().WithWriter(cmd.OutOrStdout()).WithData(data).Render()
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output format (json)")
	return cmd
}

func (c *cli) logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print or clear the rolling log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if clearLog, _ := cmd.Flags().GetBool("clear"); clearLog {
				if err := a.options.ClearLogs(cmd.Context()); err != nil {
					return err
				}
				pterm.Success.Println("Log cleared")
				return nil
			}
			for _, line := range a.options.Logs(cmd.Context()) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().Bool("clear", false, "Clear the log")
	return cmd
}

func (c *cli) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change gateway settings and message templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(cmd.OutOrStdout(), a.options.Load(cmd.Context()))
		},
	}

	api := &cobra.Command{
		Use:   "api <url> <token>",
		Short: "Set the SMS gateway URL and token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			enabled, err := a.options.SaveAPI(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Saved (test send enabled: %t)", enabled)
			return nil
		},
	}

	addDomain := &cobra.Command{
		Use:   "add-domain <domain>",
		Short: "Register a storefront domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			domain, err := a.options.AddDomain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), domain)
			return nil
		},
	}

	template := &cobra.Command{
		Use:   "template <text>",
		Short: "Save the message template ({name} and {url} placeholders) of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.options.SaveTemplate(cmd.Context(), flagString(cmd, "domain"), args[0], flagString(cmd, "link-base")); err != nil {
				return err
			}
			pterm.Success.Println("Template saved")
			return nil
		},
	}
	template.Flags().StringP("domain", "d", "", "Storefront domain (default key when empty)")
	template.Flags().String("link-base", "", "Link base for {url}")

	deleteTemplate := &cobra.Command{
		Use:   "delete-template",
		Short: "Delete the template and link base of a domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.options.DeleteTemplate(cmd.Context(), flagString(cmd, "domain")); err != nil {
				return err
			}
			pterm.Success.Println("Template deleted")
			return nil
		},
	}
	deleteTemplate.Flags().StringP("domain", "d", "", "Storefront domain (default key when empty)")

	testSend := &cobra.Command{
		Use:   "test-send <phone> <message>",
		Short: "Send a test SMS with the stored gateway settings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.options.TestSend(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			pterm.Success.Println("OK")
			return nil
		},
	}

	keys := &cobra.Command{
		Use:   "keys",
		Short: "List the keys held by the settings backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := c.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			keys, err := a.store.Keys(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}

	cmd.AddCommand(api, addDomain, template, deleteTemplate, testSend, keys)
	return cmd
}

// input opens args[0], or stdin when it is absent or "-".
func input(cmd *cobra.Command, args []string) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return f, nil
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
