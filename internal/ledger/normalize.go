package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Read results reach us in whichever shape the gateway's decoder produced for
// the contract version at hand. Each typed decode tries, in order:
//
//  1. tagged union: {"Ok": v} / {"Err": e}, also ["Ok", v]
//  2. indirection:  {"value": v}
//  3. direct type match
//  4. string pattern extraction from a printed value such as "{'Ok': 12}"
//
// Callers substitute a default and log when all of these fail. With strict
// set, step 4 is skipped.
type decoder struct {
	strict bool
}

const maxUnwrapDepth = 8

var (
	okPattern  = regexp.MustCompile(`['"]?Ok['"]?\s*[:(]\s*['"]?(-?\d+|true|false|True|False)`)
	errPattern = regexp.MustCompile(`['"]?Err['"]?\s*[:(]\s*(.*?)[)}]*\s*$`)
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

func rejected(reason any) error {
	return fmt.Errorf("%w: %v", ErrContractRejected, reason)
}

// unwrap peels tagged-union and indirection layers until a bare value remains.
func (d decoder) unwrap(v any) (any, error) {
	for i := 0; i < maxUnwrapDepth; i++ {
		switch t := v.(type) {
		case map[string]any:
			if inner, ok := t["Ok"]; ok {
				v = inner
				continue
			}
			if reason, ok := t["Err"]; ok {
				return nil, rejected(reason)
			}
			if inner, ok := t["value"]; ok && len(t) == 1 {
				v = inner
				continue
			}
		case []any:
			if len(t) == 2 {
				if tag, ok := t[0].(string); ok {
					switch tag {
					case "Ok":
						v = t[1]
						continue
					case "Err":
						return nil, rejected(t[1])
					}
				}
			}
		}
		return v, nil
	}
	return nil, malformed("nested deeper than %d levels", maxUnwrapDepth)
}

func (d decoder) Bool(raw any) (bool, error) {
	v, err := d.unwrap(raw)
	if err != nil {
		return false, err
	}

	switch t := v.(type) {
	case bool:
		return t, nil
	case json.Number:
		n, ok := new(big.Int).SetString(t.String(), 10)
		if ok {
			return n.Sign() != 0, nil
		}
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b, nil
		}
		if !d.strict {
			s, err := d.extract(t)
			if err != nil {
				return false, err
			}
			if b, err := strconv.ParseBool(s); err == nil {
				return b, nil
			}
			if n, ok := new(big.Int).SetString(s, 10); ok {
				return n.Sign() != 0, nil
			}
		}
	}
	return false, malformed("expected bool, got %T (%v)", v, v)
}

func (d decoder) BigInt(raw any) (*big.Int, error) {
	v, err := d.unwrap(raw)
	if err != nil {
		return new(big.Int), err
	}

	switch t := v.(type) {
	case json.Number:
		if n, ok := parseInteger(t.String()); ok {
			return n, nil
		}
	case float64:
		if n, ok := parseInteger(strconv.FormatFloat(t, 'f', -1, 64)); ok {
			return n, nil
		}
	case int:
		return big.NewInt(int64(t)), nil
	case int64:
		return big.NewInt(t), nil
	case uint64:
		return new(big.Int).SetUint64(t), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(t)), nil
	case *big.Int:
		return new(big.Int).Set(t), nil
	case string:
		if n, ok := parseInteger(strings.TrimSpace(t)); ok {
			return n, nil
		}
		if !d.strict {
			s, err := d.extract(t)
			if err != nil {
				return new(big.Int), err
			}
			if n, ok := parseInteger(s); ok {
				return n, nil
			}
		}
	}
	return new(big.Int), malformed("expected integer, got %T (%v)", v, v)
}

func (d decoder) Uint64(raw any) (uint64, error) {
	n, err := d.BigInt(raw)
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, malformed("integer %s out of uint64 range", n)
	}
	return n.Uint64(), nil
}

func (d decoder) Uint32(raw any) (uint32, error) {
	n, err := d.Uint64(raw)
	if err != nil {
		return 0, err
	}
	if n > uint64(^uint32(0)) {
		return 0, malformed("integer %d out of uint32 range", n)
	}
	return uint32(n), nil
}

// List decodes a sequence. A null result is an empty sequence.
func (d decoder) List(raw any) ([]any, error) {
	v, err := d.unwrap(raw)
	if err != nil {
		return nil, err
	}

	switch t := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return t, nil
	case string:
		if !d.strict {
			var out []any
			dec := json.NewDecoder(strings.NewReader(strings.ReplaceAll(t, "'", `"`)))
			dec.UseNumber()
			if err := dec.Decode(&out); err == nil {
				if out == nil {
					out = []any{}
				}
				return out, nil
			}
		}
	}
	return nil, malformed("expected sequence, got %T (%v)", v, v)
}

// extract pulls the Ok payload out of a printed tagged union.
func (d decoder) extract(s string) (string, error) {
	if m := okPattern.FindStringSubmatch(s); m != nil {
		return strings.ToLower(m[1]), nil
	}
	if m := errPattern.FindStringSubmatch(s); m != nil {
		return "", rejected(strings.Trim(m[1], `'" `))
	}
	return "", malformed("no value in %q", s)
}

func parseInteger(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := hexutil.DecodeBig(strings.ToLower(s))
		if err != nil {
			return nil, false
		}
		return n, true
	}
	if n, ok := new(big.Int).SetString(s, 10); ok {
		return n, true
	}
	// exponent notation such as 1e+18
	f, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
	if err != nil || !f.IsInt() {
		return nil, false
	}
	n, _ := f.Int(nil)
	return n, true
}

// field looks up the first present key of a struct-shaped map.
func field(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// FormatUnits renders an integer amount with the given decimals, rounded to
// four fractional digits.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0.0000"
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Rat).SetFrac(amount, denom).FloatString(4)
}
