package eminor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sidecar is the symbol/constant artifact emitted next to the byte
// stream. Constant pool indices are positional; the opcode and
// operator tables are included for downstream tooling.
type Sidecar struct {
	ConstPool []Constant        `json:"const_pool"`
	FuncIndex map[string]uint16 `json:"func_index"`
	Labels    map[string]int    `json:"labels"`
	Opcodes   map[string]byte   `json:"opcodes"`
	Binops    map[string]byte   `json:"binops"`
	Unops     map[string]byte   `json:"unops"`
}

// LoadSidecar parses a serialized sidecar.
func LoadSidecar(data []byte) (*Sidecar, error) {
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrap(err, "decode sidecar")
	}
	return &sc, nil
}

// Report is the serialized shape of a validation run.
type Report struct {
	Issues []Issue `json:"issues"`
}

// EncodeHex renders a byte stream as space-separated uppercase hex
// octets, the .ir.hex format.
func EncodeHex(code []byte) string {
	var sb strings.Builder
	for i, b := range code {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// DecodeHex parses the .ir.hex format back into bytes. Whitespace
// between octets is free-form.
func DecodeHex(s string) ([]byte, error) {
	fields := strings.Fields(s)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		if len(f) != 2 {
			return nil, errors.Errorf("bad hex octet %q", f)
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, errors.Errorf("bad hex octet %q", f)
		}
		out = append(out, byte(v))
	}
	return out, nil
}
