package closing

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// VoucherType tags every ledger entry emitted by a closing job.
const VoucherType = "Period Closing Voucher"

// LedgerEntry is one balancing line ready for the ledger writer.
type LedgerEntry struct {
	CompanyID       int64
	PostingDate     time.Time
	Account         string
	AccountCurrency string
	DebitNative     float64
	CreditNative    float64
	Debit           float64
	Credit          float64
	FiscalYear      string
	Remarks         string
	VoucherType     string
	VoucherID       uuid.UUID
	DimensionKey    DimensionKey
	Dimensions      map[string]string
	ClosingAccount  bool
}

// SignedBalance is the reporting currency net of the entry.
func (e LedgerEntry) SignedBalance() float64 {
	return e.Debit - e.Credit
}

// ClosingMeta carries the metadata stamped on every closing entry.
type ClosingMeta struct {
	CompanyID       int64
	PostingDate     time.Time
	FiscalYear      string
	Remarks         string
	ClosingAccount  string
	ClosingCurrency string
	VoucherID       uuid.UUID
	Dimensions      []string
}

// MetaForJob derives the closing metadata of a job.
func MetaForJob(job Job, dimensions []string, closingCurrency string) ClosingMeta {
	return ClosingMeta{
		CompanyID:       job.Source.CompanyID,
		PostingDate:     job.Source.EndDate,
		FiscalYear:      job.Source.FiscalYear,
		Remarks:         job.Source.Remarks,
		ClosingAccount:  job.Source.ClosingAccount,
		ClosingCurrency: closingCurrency,
		VoucherID:       VoucherID(job.ID),
		Dimensions:      dimensions,
	}
}

var voucherNamespace = uuid.MustParse("6f1f3c4e-5a0b-4d57-9f0e-2c3b8e1d7a90")

// VoucherID is the deterministic ledger voucher of a job, stable across retries.
func VoucherID(jobID int64) uuid.UUID {
	return uuid.NewSHA1(voucherNamespace, []byte("period-close:"+formatInt(jobID)))
}

// BuildClosingEntries reverses every nonzero P&L balance and offsets each
// dimension key's rollup against the closing account. Reversals come first;
// keys and accounts are emitted in sorted order.
func BuildClosingEntries(total AggregateResult, meta ClosingMeta) []LedgerEntry {
	keys := make([]DimensionKey, 0, len(total))
	for key := range total {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var reversals, closings []LedgerEntry
	for _, key := range keys {
		bucket := total[key]
		if bucket == nil {
			continue
		}
		tags := key.Tags(meta.Dimensions)

		accounts := make([]string, 0, len(bucket.Accounts))
		for account := range bucket.Accounts {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			bal := bucket.Accounts[account]
			if bal.Balance() == 0 {
				continue
			}
			entry := meta.entry(key, tags)
			entry.Account = account
			entry.AccountCurrency = bal.NativeCurrency
			entry.Debit, entry.Credit = reverseSides(bal.Balance())
			entry.DebitNative, entry.CreditNative = reverseSides(bal.BalanceNative())
			reversals = append(reversals, entry)
		}

		entry := meta.entry(key, tags)
		entry.Account = meta.ClosingAccount
		entry.AccountCurrency = meta.ClosingCurrency
		entry.ClosingAccount = true
		entry.Debit, entry.Credit = sameSides(bucket.Rollup.Balance)
		entry.DebitNative, entry.CreditNative = entry.Debit, entry.Credit
		closings = append(closings, entry)
	}
	return append(reversals, closings...)
}

func (m ClosingMeta) entry(key DimensionKey, tags map[string]string) LedgerEntry {
	dims := make(map[string]string, len(tags))
	for k, v := range tags {
		dims[k] = v
	}
	return LedgerEntry{
		CompanyID:    m.CompanyID,
		PostingDate:  m.PostingDate,
		FiscalYear:   m.FiscalYear,
		Remarks:      m.Remarks,
		VoucherType:  VoucherType,
		VoucherID:    m.VoucherID,
		DimensionKey: key,
		Dimensions:   dims,
	}
}

// reverseSides posts the opposite side of a balance.
func reverseSides(balance float64) (debit, credit float64) {
	switch {
	case balance < 0:
		return math.Abs(balance), 0
	case balance > 0:
		return 0, math.Abs(balance)
	default:
		return 0, 0
	}
}

// sameSides posts a balance on its own side.
func sameSides(balance float64) (debit, credit float64) {
	switch {
	case balance > 0:
		return balance, 0
	case balance < 0:
		return 0, math.Abs(balance)
	default:
		return 0, 0
	}
}
