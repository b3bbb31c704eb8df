package closing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// AccountBalance sums one account's movements inside a dimension key.
type AccountBalance struct {
	DebitNative    float64 `json:"debit_in_account_currency"`
	CreditNative   float64 `json:"credit_in_account_currency"`
	Debit          float64 `json:"debit"`
	Credit         float64 `json:"credit"`
	NativeCurrency string  `json:"account_currency"`
}

// Balance is the reporting currency net (debit - credit).
func (b AccountBalance) Balance() float64 {
	return b.Debit - b.Credit
}

// BalanceNative is the account currency net.
func (b AccountBalance) BalanceNative() float64 {
	return b.DebitNative - b.CreditNative
}

// Rollup is the net balance across every account of one dimension key.
type Rollup struct {
	BalanceNative float64 `json:"balance_in_account_currency"`
	Balance       float64 `json:"balance_in_company_currency"`
}

// DimensionBalances holds the per-account balances and rollup of one key.
type DimensionBalances struct {
	Accounts map[string]AccountBalance `json:"accounts"`
	Rollup   Rollup                    `json:"__rollup__"`
}

func newDimensionBalances() *DimensionBalances {
	return &DimensionBalances{Accounts: map[string]AccountBalance{}}
}

// AggregateResult maps dimension keys to their balances.
type AggregateResult map[DimensionKey]*DimensionBalances

// Movement is one grouped ledger row returned by the ledger query.
// Dimensions is aligned with the dimension names passed to the query.
type Movement struct {
	Account        string
	Dimensions     []*string
	Debit          float64
	Credit         float64
	DebitNative    float64
	CreditNative   float64
	NativeCurrency string
}

// AggregateMovements reduces ledger rows into an AggregateResult keyed by the
// tuple of the movement's dimension values.
func AggregateMovements(dimensions []string, rows []Movement) AggregateResult {
	result := AggregateResult{}
	for _, row := range rows {
		values := make([]*string, len(dimensions))
		for i := range dimensions {
			if i < len(row.Dimensions) && row.Dimensions[i] != nil {
				v := *row.Dimensions[i]
				values[i] = &v
			}
		}
		key := NewDimensionKey(values...)
		bucket, ok := result[key]
		if !ok {
			bucket = newDimensionBalances()
			result[key] = bucket
		}
		acc, ok := bucket.Accounts[row.Account]
		if !ok {
			acc = AccountBalance{NativeCurrency: row.NativeCurrency}
		}
		acc.DebitNative += row.DebitNative
		acc.CreditNative += row.CreditNative
		acc.Debit += row.Debit
		acc.Credit += row.Credit
		bucket.Accounts[row.Account] = acc

		bucket.Rollup.BalanceNative += row.DebitNative - row.CreditNative
		bucket.Rollup.Balance += row.Debit - row.Credit
	}
	return result
}

// Aggregator computes the per-day closing balance for a company.
type Aggregator struct {
	Ledger LedgerQuery
}

// AggregateDay queries the uncancelled P&L movements of one date grouped by
// dims and reduces them.
func (a Aggregator) AggregateDay(ctx context.Context, companyID int64, dims []string, date time.Time) (AggregateResult, error) {
	if a.Ledger == nil {
		return nil, fmt.Errorf("closing: aggregator not configured")
	}
	accounts, err := a.Ledger.ProfitAndLossAccounts(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("closing: load p&l accounts: %w", err)
	}
	if len(accounts) == 0 {
		return AggregateResult{}, nil
	}
	rows, err := a.Ledger.Movements(ctx, MovementQuery{
		CompanyID:  companyID,
		Date:       truncateDate(date),
		Accounts:   accounts,
		Dimensions: dims,
	})
	if err != nil {
		return nil, fmt.Errorf("closing: query movements %s: %w", FormatDate(date), err)
	}
	if err := validateMovements(dims, rows); err != nil {
		return nil, fmt.Errorf("closing: movements %s: %w", FormatDate(date), err)
	}
	return AggregateMovements(dims, rows), nil
}

// validateMovements rejects dimension values that are not valid UTF-8. Such
// values do not survive the DimensionKey encoding.
func validateMovements(dims []string, rows []Movement) error {
	for _, row := range rows {
		for i, v := range row.Dimensions {
			if v == nil || utf8.ValidString(*v) {
				continue
			}
			name := fmt.Sprintf("#%d", i)
			if i < len(dims) {
				name = dims[i]
			}
			return fmt.Errorf("%w: %s of account %s is %q", ErrInvalidDimensionValue, name, row.Account, *v)
		}
	}
	return nil
}

// MarshalAggregate encodes a result for storage.
func MarshalAggregate(result AggregateResult) ([]byte, error) {
	if result == nil {
		result = AggregateResult{}
	}
	return json.Marshal(result)
}

// UnmarshalAggregate decodes a stored result, normalising keys.
func UnmarshalAggregate(data []byte) (AggregateResult, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw map[string]*DimensionBalances
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("closing: decode aggregate: %w", err)
	}
	out := make(AggregateResult, len(raw))
	for k, v := range raw {
		key, err := ParseDimensionKey(k)
		if err != nil {
			return nil, err
		}
		if v == nil {
			v = newDimensionBalances()
		}
		if v.Accounts == nil {
			v.Accounts = map[string]AccountBalance{}
		}
		out[key] = v
	}
	return out, nil
}
