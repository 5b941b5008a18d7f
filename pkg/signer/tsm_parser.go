package signer

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"
)

// TSMSignResult is the structured form of the TSM binary's sign output.
type TSMSignResult struct {
	KeyID string
	R     []byte
	S     []byte
}

// scanPrefixedValue finds the first line starting with prefix and returns
// the remainder, trimmed. The binary interleaves log lines with its
// structured output, so everything that doesn't match is skipped.
func scanPrefixedValue(out, prefix string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, prefix) {
			value := strings.TrimSpace(strings.TrimPrefix(line, prefix))
			if value == "" {
				return "", fmt.Errorf("tsm: output line %q has no value", prefix)
			}
			return value, nil
		}
	}
	return "", fmt.Errorf("tsm: output is missing %q line", prefix)
}

// parseTSMSignOutput extracts {Key ID, r, s} from the binary's stdout.
// Each field is mandatory; a missing one is an explicit error rather than
// a zero value.
func parseTSMSignOutput(out string) (*TSMSignResult, error) {
	keyID, err := scanPrefixedValue(out, "Key ID:")
	if err != nil {
		return nil, err
	}

	rHex, err := scanPrefixedValue(out, "r:")
	if err != nil {
		return nil, err
	}
	r, err := hex.DecodeString(strip0x(rHex))
	if err != nil {
		return nil, fmt.Errorf("tsm: r is not valid hex: %w", err)
	}

	sHex, err := scanPrefixedValue(out, "s:")
	if err != nil {
		return nil, err
	}
	s, err := hex.DecodeString(strip0x(sHex))
	if err != nil {
		return nil, fmt.Errorf("tsm: s is not valid hex: %w", err)
	}

	return &TSMSignResult{KeyID: keyID, R: r, S: s}, nil
}
