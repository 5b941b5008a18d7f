// Package verify guards the boundary between intent and signature. The
// remote encoding API is untrusted infrastructure: a compromised or
// buggy response could redirect funds, so the transaction data it
// echoes back is checked against the operator's original intent before
// any signer sees a payload.
package verify

import (
	"math/big"
	"strings"

	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/types"
	"github.com/samber/lo"
)

// Protection states how much of the response the guard could check.
type Protection string

const (
	// ProtectionFull means both the echoed fields and the raw encoded
	// bytes were verified.
	ProtectionFull Protection = "full"
	// ProtectionPartial means only the echoed fields were verified: the
	// chain has no raw decoder, so a response that lies consistently in
	// both places would not be caught.
	ProtectionPartial Protection = "partial"
)

// FieldCheck is the outcome of one field comparison.
type FieldCheck struct {
	Field    string
	Expected string
	Got      string
	OK       bool
}

// Report is the full verification outcome for one transaction.
type Report struct {
	Checks     []FieldCheck
	Protection Protection
}

// Failed lists the checks that did not pass.
func (r *Report) Failed() []FieldCheck {
	return lo.Filter(r.Checks, func(c FieldCheck, _ int) bool { return !c.OK })
}

// Guard verifies the encode response against the intent. Field checks
// always run; when the chain family has a raw decoder the encoded bytes
// are decoded and cross-checked too, upgrading the report to full
// protection. Any mismatch returns a VerificationError and the caller
// must not proceed to signing.
func Guard(intent types.TransactionIntent, encoded types.EncodedTransaction, family string) (*Report, error) {
	report := &Report{Protection: ProtectionPartial}

	if err := checkFields(report, intent, encoded.Data, family); err != nil {
		return report, err
	}

	raw, found := lo.Find(encoded.Encoded, func(item types.EncodedItem) bool {
		return item.Raw != nil && item.Raw.Value != ""
	})
	if !found {
		return report, nil
	}
	checked, err := checkRaw(report, intent, family, raw.Raw.Value)
	if err != nil {
		return report, err
	}
	if checked {
		report.Protection = ProtectionFull
	}
	return report, nil
}

func checkFields(report *Report, intent types.TransactionIntent, echoed types.TransactionData, family string) error {
	checks := []FieldCheck{
		{Field: "senderAddress", Expected: intent.SenderAddress, Got: echoed.SenderAddress},
		{Field: "recipientAddress", Expected: intent.RecipientAddress, Got: echoed.RecipientAddress},
		{Field: "tokenId", Expected: intent.TokenID, Got: echoed.TokenID},
		{Field: "validatorAddress", Expected: intent.ValidatorAddress, Got: echoed.ValidatorAddress},
		{Field: "targetValidatorAddress", Expected: intent.TargetValidatorAddress, Got: echoed.TargetValidatorAddress},
	}
	for i := range checks {
		checks[i].OK = addressesEqual(checks[i].Expected, checks[i].Got, family)
	}

	mode := FieldCheck{Field: "mode", Expected: string(intent.Mode), Got: string(echoed.Mode)}
	mode.OK = mode.Expected == mode.Got
	checks = append([]FieldCheck{mode}, checks...)

	amount := FieldCheck{Field: "amount", Expected: intent.Amount, Got: echoed.Amount}
	if intent.UseMaxAmount {
		// The API computes the sweep amount; the operator never stated one.
		amount.OK = echoed.UseMaxAmount || echoed.Amount != ""
	} else {
		amount.OK = amountsEqual(intent.Amount, echoed.Amount)
	}
	checks = append(checks, amount)

	report.Checks = checks
	for _, c := range checks {
		if !c.OK {
			return &errors.VerificationError{Field: c.Field, Expected: c.Expected, Got: c.Got}
		}
	}
	return nil
}

// hexAddressFamilies have case-insensitive hex addresses. Everything
// else (base58, bech32) treats "ABC" and "abc" as different addresses,
// so the comparison stays case-sensitive.
var hexAddressFamilies = map[string]bool{
	"evm":      true,
	"starknet": true,
}

func addressesEqual(expected, got, family string) bool {
	if hexAddressFamilies[family] {
		return strings.EqualFold(expected, got)
	}
	return expected == got
}

// amountsEqual compares base-unit decimal strings numerically so that
// "0100" and "100" agree.
func amountsEqual(a, b string) bool {
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}
	x, okX := new(big.Int).SetString(a, 10)
	y, okY := new(big.Int).SetString(b, 10)
	return okX && okY && x.Cmp(y) == 0
}
