package verify

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/logger"
	"github.com/fystack/omnisign/pkg/types"
)

// erc20TransferSelector is the 4-byte method id of transfer(address,uint256).
var erc20TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// checkRaw dispatches to the chain family's raw decoder. It returns
// whether a decoder actually ran; families without one leave the report
// at partial protection.
func checkRaw(report *Report, intent types.TransactionIntent, family, rawHex string) (bool, error) {
	switch family {
	case "evm":
		return checkEVMRaw(report, intent, rawHex)
	default:
		logger.Warn("No raw decoder for chain family, proceeding with partial protection",
			"family", family)
		return false, nil
	}
}

// checkEVMRaw decodes the unsigned RLP payload and cross-checks the
// destination and value against the intent. The echoed JSON and the
// encoded bytes come from the same untrusted response; a lie must be
// told in both to slip past.
func checkEVMRaw(report *Report, intent types.TransactionIntent, rawHex string) (bool, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(rawHex, "0x"))
	if err != nil {
		return false, errors.Wrap(err, "verify: decode raw payload")
	}
	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		logger.Warn("Raw payload did not decode as an EVM transaction, proceeding with partial protection",
			"error", err.Error())
		return false, nil
	}
	if tx.To() == nil {
		return false, &errors.VerificationError{
			Field: "raw.recipientAddress", Expected: intent.RecipientAddress, Got: "contract creation",
		}
	}

	switch intent.Mode {
	case types.ModeTransfer:
		if err := rawCheck(report, "raw.recipientAddress", intent.RecipientAddress, tx.To().Hex()); err != nil {
			return false, err
		}
		if !intent.UseMaxAmount {
			if err := rawCheckAmount(report, "raw.amount", intent.Amount, tx.Value()); err != nil {
				return false, err
			}
		}
		return true, nil

	case types.ModeTransferToken:
		if err := rawCheck(report, "raw.tokenId", intent.TokenID, tx.To().Hex()); err != nil {
			return false, err
		}
		recipient, amount, ok := parseERC20Transfer(tx.Data())
		if !ok {
			logger.Warn("Token calldata is not an erc20 transfer, proceeding with partial protection")
			return false, nil
		}
		if err := rawCheck(report, "raw.recipientAddress", intent.RecipientAddress, recipient.Hex()); err != nil {
			return false, err
		}
		if !intent.UseMaxAmount {
			if err := rawCheckAmount(report, "raw.amount", intent.Amount, amount); err != nil {
				return false, err
			}
		}
		return true, nil

	default:
		// Staking calldata is chain specific; the field checks stand alone.
		return false, nil
	}
}

func rawCheck(report *Report, field, expected, got string) error {
	check := FieldCheck{Field: field, Expected: expected, Got: got,
		OK: strings.EqualFold(expected, got)}
	report.Checks = append(report.Checks, check)
	if !check.OK {
		return &errors.VerificationError{Field: field, Expected: expected, Got: got}
	}
	return nil
}

func rawCheckAmount(report *Report, field, expected string, got *big.Int) error {
	check := FieldCheck{Field: field, Expected: expected, Got: got.String(),
		OK: amountsEqual(expected, got.String())}
	report.Checks = append(report.Checks, check)
	if !check.OK {
		return &errors.VerificationError{Field: field, Expected: expected, Got: got.String()}
	}
	return nil
}

// parseERC20Transfer unpacks transfer(address,uint256) calldata.
func parseERC20Transfer(data []byte) (common.Address, *big.Int, bool) {
	if len(data) != 4+32+32 || !bytes.Equal(data[:4], erc20TransferSelector) {
		return common.Address{}, nil, false
	}
	recipient := common.BytesToAddress(data[4+12 : 4+32])
	amount := new(big.Int).SetBytes(data[4+32:])
	return recipient, amount, true
}
