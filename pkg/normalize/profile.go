// Package normalize converts raw source rows into canonical transaction
// candidates. Ingestion is pure: no I/O, no database access.
package normalize

import (
	"fmt"

	"github.com/limoledger/reconcile/pkg/config"
	"github.com/limoledger/reconcile/pkg/ledger"
)

// Profile describes the column layout and conventions of one source system.
type Profile struct {
	Date         string
	Description  string
	Amount       string // signed amount column, used when present
	Debit        string // outflow column
	Credit       string // inflow column
	ExternalRef  string
	Account      string
	DateLayouts  []string
	Negate       bool // export records outflows as positive amounts
	ClearingRail bool // settles same or next day; matched with the narrow window
	DecimalComma bool
	OCR          bool // amounts may carry OCR confusions (O for 0, l for 1)
}

var commonLayouts = []string{ledger.DateLayout, "01/02/2006", "1/2/2006", "2006/01/02", "02-Jan-2006"}

// DefaultProfiles returns the built-in profile of every source system.
func DefaultProfiles() map[ledger.SourceSystem]Profile {
	return map[ledger.SourceSystem]Profile{
		ledger.SourceBankCSV: {
			Date:        "Date",
			Description: "Description",
			Amount:      "Amount",
			Debit:       "Debit",
			Credit:      "Credit",
			ExternalRef: "Reference",
			Account:     "Account",
			DateLayouts: commonLayouts,
		},
		ledger.SourceBankPDFOCR: {
			Date:        "Date",
			Description: "Description",
			Debit:       "Withdrawals",
			Credit:      "Deposits",
			ExternalRef: "Cheque",
			DateLayouts: append([]string{"Jan 2, 2006", "Jan 2 2006", "02 Jan 2006"}, commonLayouts...),
			OCR:         true,
		},
		ledger.SourcePOSExport: {
			Date:         "Transaction Date",
			Description:  "Merchant",
			Amount:       "Amount",
			ExternalRef:  "POS ID",
			DateLayouts:  append([]string{"2006-01-02 15:04:05", "01/02/2006 15:04"}, commonLayouts...),
			ClearingRail: true,
		},
		ledger.SourceLegacy: {
			Date:        "Charter Date",
			Description: "Client",
			Amount:      "Total",
			ExternalRef: "Reserve Number",
			DateLayouts: append([]string{"01/02/2006 15:04:05", "1/2/2006 15:04:05"}, commonLayouts...),
		},
		ledger.SourceManualEntry: {
			Date:        "date",
			Description: "description",
			Amount:      "amount",
			ExternalRef: "ref",
			Account:     "account",
			DateLayouts: commonLayouts,
		},
	}
}

// ApplyOverrides merges YAML profile overrides into profiles. Unknown source
// system names are an error.
func ApplyOverrides(profiles map[ledger.SourceSystem]Profile, overrides map[string]config.ProfileConfig) error {
	for name, o := range overrides {
		sys, ok := ledger.ParseSourceSystem(name)
		if !ok {
			return fmt.Errorf("unknown source system in profiles: %q", name)
		}
		p := profiles[sys]
		setString(&p.Date, o.Date)
		setString(&p.Description, o.Description)
		setString(&p.Amount, o.Amount)
		setString(&p.Debit, o.Debit)
		setString(&p.Credit, o.Credit)
		setString(&p.ExternalRef, o.ExternalRef)
		setString(&p.Account, o.Account)
		if len(o.DateLayouts) > 0 {
			p.DateLayouts = o.DateLayouts
		}
		setBool(&p.Negate, o.Negate)
		setBool(&p.ClearingRail, o.ClearingRail)
		setBool(&p.DecimalComma, o.DecimalComma)
		profiles[sys] = p
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
