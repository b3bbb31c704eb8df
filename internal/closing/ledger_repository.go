package closing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/period-close/internal/platform/db"
)

// LedgerRepository reads and writes the general ledger in Postgres. It serves
// as LedgerQuery, LedgerWriter and DimensionRegistry.
type LedgerRepository struct {
	pool  *pgxpool.Pool
	extra []string
}

// NewLedgerRepository constructs the repository. extra dimensions are appended
// after the defaults and the registered accounting dimensions.
func NewLedgerRepository(pool *pgxpool.Pool, extra ...string) *LedgerRepository {
	return &LedgerRepository{pool: pool, extra: extra}
}

// Dimensions returns the defaults followed by the active accounting dimensions.
func (r *LedgerRepository) Dimensions(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT fieldname FROM accounting_dimensions WHERE disabled = FALSE ORDER BY idx ASC, fieldname ASC`)
	if err != nil {
		return nil, err
	}
	registered, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return mergeDimensions(DefaultDimensions, registered, r.extra), nil
}

func mergeDimensions(groups ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, group := range groups {
		for _, name := range group {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// ProfitAndLossAccounts lists revenue and expense account codes of a company.
func (r *LedgerRepository) ProfitAndLossAccounts(ctx context.Context, companyID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT code FROM accounts WHERE company_id=$1 AND type IN ('REVENUE','EXPENSE') ORDER BY code`, companyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// AccountCurrency returns the currency of an account.
func (r *LedgerRepository) AccountCurrency(ctx context.Context, companyID int64, account string) (string, error) {
	var currency string
	err := r.pool.QueryRow(ctx, `SELECT account_currency FROM accounts WHERE company_id=$1 AND code=$2`, companyID, account).Scan(&currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("closing: account %s not found", account)
		}
		return "", err
	}
	return currency, nil
}

// Movements sums uncancelled movements of one day grouped by account and dimensions.
func (r *LedgerRepository) Movements(ctx context.Context, q MovementQuery) ([]Movement, error) {
	dimCols := make([]string, len(q.Dimensions))
	for i, dim := range q.Dimensions {
		dimCols[i] = pgx.Identifier{dim}.Sanitize()
	}
	groupBy := append([]string{"account", "account_currency"}, dimCols...)
	selectDims := ""
	if len(dimCols) > 0 {
		selectDims = ", " + strings.Join(dimCols, ", ")
	}
	query := `SELECT account, account_currency` + selectDims + `,
COALESCE(SUM(debit),0), COALESCE(SUM(credit),0),
COALESCE(SUM(debit_in_account_currency),0), COALESCE(SUM(credit_in_account_currency),0)
FROM gl_entries
WHERE company_id=$1 AND is_cancelled = FALSE AND posting_date=$2 AND account = ANY($3)
GROUP BY ` + strings.Join(groupBy, ", ")

	rows, err := r.pool.Query(ctx, query, q.CompanyID, q.Date, q.Accounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		m := Movement{Dimensions: make([]*string, len(q.Dimensions))}
		dest := []any{&m.Account, &m.NativeCurrency}
		for i := range m.Dimensions {
			dest = append(dest, &m.Dimensions[i])
		}
		dest = append(dest, &m.Debit, &m.Credit, &m.DebitNative, &m.CreditNative)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PostEntries commits every entry of one voucher in a single transaction.
func (r *LedgerRepository) PostEntries(ctx context.Context, entries []LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	voucher := entries[0].VoucherID
	for _, e := range entries {
		if e.VoucherID != voucher {
			return fmt.Errorf("closing: batch mixes vouchers %s and %s", voucher, e.VoucherID)
		}
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO closing_vouchers (voucher_id, company_id, voucher_type, created_at) VALUES ($1,$2,$3,NOW())`,
			voucher, entries[0].CompanyID, VoucherType)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrAlreadyPosted
			}
			return err
		}

		batch := &pgx.Batch{}
		for _, e := range entries {
			query, args := insertEntry(e)
			batch.Queue(query, args...)
		}
		results := tx.SendBatch(ctx, batch)
		for i := range entries {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("closing: insert entry %d: %w", i, err)
			}
		}
		return results.Close()
	})
}

// VoucherPosted reports whether a closing_vouchers row exists for the voucher.
func (r *LedgerRepository) VoucherPosted(ctx context.Context, voucherID uuid.UUID) (bool, error) {
	var posted bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM closing_vouchers WHERE voucher_id=$1)`, voucherID).Scan(&posted)
	if err != nil {
		return false, fmt.Errorf("closing: lookup voucher %s: %w", voucherID, err)
	}
	return posted, nil
}

func insertEntry(e LedgerEntry) (string, []any) {
	cols := []string{"company_id", "posting_date", "account", "account_currency", "debit", "credit",
		"debit_in_account_currency", "credit_in_account_currency", "fiscal_year", "remarks",
		"voucher_type", "voucher_id", "is_period_closing_voucher_entry", "is_opening", "is_cancelled"}
	args := []any{e.CompanyID, e.PostingDate, e.Account, e.AccountCurrency, toNumeric(e.Debit), toNumeric(e.Credit),
		toNumeric(e.DebitNative), toNumeric(e.CreditNative), e.FiscalYear, e.Remarks,
		e.VoucherType, e.VoucherID, true, false, false}

	names := make([]string, 0, len(e.Dimensions))
	for name := range e.Dimensions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cols = append(cols, pgx.Identifier{name}.Sanitize())
		args = append(args, e.Dimensions[name])
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return `INSERT INTO gl_entries (` + strings.Join(cols, ", ") + `) VALUES (` + strings.Join(placeholders, ", ") + `)`, args
}

func toNumeric(v float64) string {
	return decimal.NewFromFloat(v).Round(2).StringFixed(2)
}
