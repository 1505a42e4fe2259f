package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/report"
)

var (
	accountName string
	aliases     []string
	currency    string
	amountText  string
	openingDate string
	anchorDate  string
	unverified  bool
	closingText string
	periodStart string
	periodEnd   string
)

// accountCmd groups account maintenance.
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts, aliases, anchors and statements",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Create an account",
	Long: `Create an account with its opening balance.

Example:
  recon account add 0228362 --name "Operating" --opening 1000.00 --date 2012-01-01 --alias 1615`,
	Args: cobra.ExactArgs(1),
	Run:  runAccountAdd,
}

var accountAliasCmd = &cobra.Command{
	Use:   "alias <account> <alias>",
	Short: "Add a historical identifier to an account",
	Args:  cobra.ExactArgs(2),
	Run:   runAccountAlias,
}

var accountAnchorCmd = &cobra.Command{
	Use:   "anchor <account>",
	Short: "Record a known balance at the end of a day",
	Long: `Record a balance known to be correct at the end of a day. Verified
anchors are recompute starting points.

Example:
  recon account anchor 0228362 --date 2012-01-31 --balance 1017.26`,
	Args: cobra.ExactArgs(1),
	Run:  runAccountAnchor,
}

var accountStatementCmd = &cobra.Command{
	Use:   "statement <account>",
	Short: "Record a statement period",
	Long: `Record a bank statement period with its opening and closing balance.
Recompute reports periods that disagree with the ledger.

Example:
  recon account statement 0228362 --start 2012-01-01 --end 2012-01-31 --opening 1000 --closing 1017.26`,
	Args: cobra.ExactArgs(1),
	Run:  runAccountStatement,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Run:   runAccountList,
}

func init() {
	accountAddCmd.Flags().StringVar(&accountName, "name", "", "Account name")
	accountAddCmd.Flags().StringSliceVar(&aliases, "alias", nil, "Historical identifier (repeatable)")
	accountAddCmd.Flags().StringVar(&currency, "currency", "CAD", "ISO currency code")
	accountAddCmd.Flags().StringVar(&amountText, "opening", "0", "Opening balance")
	accountAddCmd.Flags().StringVar(&openingDate, "date", "", "Opening date (YYYY-MM-DD) (required)")
	accountAddCmd.MarkFlagRequired("date")

	accountAnchorCmd.Flags().StringVar(&anchorDate, "date", "", "Anchor date (YYYY-MM-DD) (required)")
	accountAnchorCmd.Flags().StringVar(&amountText, "balance", "", "Balance at the end of the day (required)")
	accountAnchorCmd.Flags().BoolVar(&unverified, "unverified", false, "Record without verifying")
	accountAnchorCmd.MarkFlagRequired("date")
	accountAnchorCmd.MarkFlagRequired("balance")

	accountStatementCmd.Flags().StringVar(&periodStart, "start", "", "Period start (YYYY-MM-DD) (required)")
	accountStatementCmd.Flags().StringVar(&periodEnd, "end", "", "Period end (YYYY-MM-DD) (required)")
	accountStatementCmd.Flags().StringVar(&amountText, "opening", "", "Opening balance (required)")
	accountStatementCmd.Flags().StringVar(&closingText, "closing", "", "Closing balance (required)")
	for _, f := range []string{"start", "end", "opening", "closing"} {
		accountStatementCmd.MarkFlagRequired(f)
	}

	accountCmd.AddCommand(accountAddCmd, accountAliasCmd, accountAnchorCmd, accountStatementCmd, accountListCmd)
}

func parseMoney(s, flag string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	exitOnError(err, "invalid --"+flag)
	return d
}

func requireDay(s, flag string) time.Time {
	d, err := parseDay(s)
	exitOnError(err, "invalid --"+flag)
	return d
}

func runAccountAdd(cmd *cobra.Command, args []string) {
	acc := ledger.Account{
		ID:             args[0],
		Name:           accountName,
		Aliases:        aliases,
		OpeningBalance: parseMoney(amountText, "opening"),
		OpeningDate:    requireDay(openingDate, "date"),
		Currency:       currency,
	}
	a := setup()
	defer a.close()

	exitOnError(a.store.CreateAccount(cmd.Context(), acc), "failed to create account")
	slog.Info("Account created", "account", acc.ID, "aliases", len(acc.Aliases))
}

func runAccountAlias(cmd *cobra.Command, args []string) {
	a := setup()
	defer a.close()

	acc, err := a.store.ResolveAccount(cmd.Context(), args[0])
	exitOnError(err, "failed to resolve account")
	exitOnError(a.store.AddAlias(cmd.Context(), acc.ID, args[1]), "failed to add alias")
	slog.Info("Alias added", "account", acc.ID, "alias", args[1])
}

func runAccountAnchor(cmd *cobra.Command, args []string) {
	balance := parseMoney(amountText, "balance")
	date := requireDay(anchorDate, "date")
	a := setup()
	defer a.close()

	acc, err := a.store.ResolveAccount(cmd.Context(), args[0])
	exitOnError(err, "failed to resolve account")
	err = a.store.PutAnchor(cmd.Context(), ledger.Anchor{AccountID: acc.ID, Date: date, Balance: balance, Verified: !unverified})
	exitOnError(err, "failed to record anchor")
	slog.Info("Anchor recorded", "account", acc.ID, "date", anchorDate, "verified", !unverified)
}

func runAccountStatement(cmd *cobra.Command, args []string) {
	st := ledger.Statement{
		PeriodStart:    requireDay(periodStart, "start"),
		PeriodEnd:      requireDay(periodEnd, "end"),
		OpeningBalance: parseMoney(amountText, "opening"),
		ClosingBalance: parseMoney(closingText, "closing"),
	}
	if st.PeriodEnd.Before(st.PeriodStart) {
		exitOnError(fmt.Errorf("period ends %s before it starts %s", periodEnd, periodStart), "invalid statement")
	}
	a := setup()
	defer a.close()

	acc, err := a.store.ResolveAccount(cmd.Context(), args[0])
	exitOnError(err, "failed to resolve account")
	st.AccountID = acc.ID
	exitOnError(a.store.PutStatement(cmd.Context(), st), "failed to record statement")
	slog.Info("Statement recorded", "account", acc.ID, "start", periodStart, "end", periodEnd)
}

func runAccountList(cmd *cobra.Command, args []string) {
	a := setup()
	defer a.close()

	ids, err := a.store.ListAccounts(cmd.Context())
	exitOnError(err, "failed to list accounts")
	for _, id := range ids {
		acc, err := a.store.GetAccount(cmd.Context(), id)
		exitOnError(err, "failed to load account")
		fmt.Printf("%s\t%s\topened %s with %s\taliases %v\n", acc.ID, acc.Name,
			acc.OpeningDate.Format(ledger.DateLayout), report.FormatMoney(acc.OpeningBalance, acc.Currency), acc.Aliases)
	}
}
