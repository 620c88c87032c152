package model

// Chart of accounts codes.
const (
	CodeCashReserve         = "1100"
	CodeMerchantReceivables = "1200"
	CodeMerchantPayables    = "2100"
	CodeTaxPayable          = "2200"
	CodePlatformFeeRevenue  = "4100"
)

// AccountDef describes how an account code is materialized.
type AccountDef struct {
	Code         string
	Name         string
	Type         AccountType
	SellerScoped bool
}

var chart = map[string]AccountDef{
	CodeCashReserve:         {CodeCashReserve, "Cash Reserve", AccountAsset, false},
	CodeMerchantReceivables: {CodeMerchantReceivables, "Merchant Receivables", AccountAsset, false},
	CodeMerchantPayables:    {CodeMerchantPayables, "Merchant Payables", AccountLiability, true},
	CodeTaxPayable:          {CodeTaxPayable, "Tax Payable", AccountLiability, false},
	CodePlatformFeeRevenue:  {CodePlatformFeeRevenue, "Platform Fee Revenue", AccountRevenue, false},
}

// LookupAccount returns the definition for a chart code.
func LookupAccount(code string) (AccountDef, bool) {
	d, ok := chart[code]
	return d, ok
}

// BalanceAccountCodes are the seller-scoped codes whose net forms the
// seller's available balance. Credits increase it, debits decrease it.
var BalanceAccountCodes = []string{CodeMerchantPayables}
