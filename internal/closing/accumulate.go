package closing

// Accumulate merges per-day results into one period result. Inputs are never
// mutated and the merge is order independent.
func Accumulate(results ...AggregateResult) AggregateResult {
	total := AggregateResult{}
	for _, day := range results {
		for key, src := range day {
			if src == nil {
				continue
			}
			dst, ok := total[key]
			if !ok {
				dst = newDimensionBalances()
				total[key] = dst
			}
			for account, bal := range src.Accounts {
				acc, ok := dst.Accounts[account]
				if !ok {
					acc = AccountBalance{NativeCurrency: bal.NativeCurrency}
				}
				if acc.NativeCurrency == "" {
					acc.NativeCurrency = bal.NativeCurrency
				}
				acc.DebitNative += bal.DebitNative
				acc.CreditNative += bal.CreditNative
				acc.Debit += bal.Debit
				acc.Credit += bal.Credit
				dst.Accounts[account] = acc
			}
			dst.Rollup.BalanceNative += src.Rollup.BalanceNative
			dst.Rollup.Balance += src.Rollup.Balance
		}
	}
	return total
}
