package eminor

import "strconv"

// OperandKind enumerates the encoded operand slots of an opcode.
//  Cap   - u8 capsule id
//  U8    - u8 immediate (operator id)
//  Const - u16 big-endian constant pool index
//  Func  - u16 big-endian function index
//  Rel   - i16 big-endian displacement, measured from the byte after
//          the two-byte slot
//  Spawn - u8 argument count followed by tagged argument records
type OperandKind int

// Operand kinds
const (
	OperandCap OperandKind = iota
	OperandU8
	OperandConst
	OperandFunc
	OperandRel
	OperandSpawn
)

func (k OperandKind) size() int {
	switch k {
	case OperandConst, OperandFunc, OperandRel:
		return 2
	default:
		// OperandSpawn covers only the argc byte; the tagged records
		// are variable and handled by the caller.
		return 1
	}
}

// Opcode defines one E Minor IR instruction
type Opcode struct {
	Value    byte   // Byte value for the opcode. All opcodes are one byte long.
	Name     string // Mnemonic
	Operands []OperandKind
}

// Length is the fixed encoded size of the instruction including the
// opcode byte. SPAWN's tagged argument records are not included.
func (o Opcode) Length() int {
	n := 1
	for _, op := range o.Operands {
		n += op.size()
	}
	return n
}

// IsBranch reports whether the opcode takes a relative displacement.
func (o Opcode) IsBranch() bool {
	for _, op := range o.Operands {
		if op == OperandRel {
			return true
		}
	}
	return false
}

// Opcode byte values
const (
	OpNOP   byte = 0x00
	OpINIT  byte = 0x01
	OpLOAD  byte = 0x02 // LOAD cap, const_index(u16)
	OpCALL  byte = 0x03 // CALL func_index(u16)
	OpCALLA byte = 0x04 // CALLA func_index(u16), cap
	OpEXIT  byte = 0x05

	OpLEASE    byte = 0x10
	OpSUBLEASE byte = 0x11
	OpRELEASE  byte = 0x12
	OpCHECKEXP byte = 0x13

	OpRENDER byte = 0x20
	OpINPUT  byte = 0x21
	OpOUTPUT byte = 0x22

	OpSEND byte = 0x30
	OpRECV byte = 0x31

	OpSPAWN byte = 0x40 // SPAWN func_index(u16), argc(u8), [arg kind+payload]
	OpJOIN  byte = 0x41

	OpSTAMP  byte = 0x50
	OpEXPIRE byte = 0x51 // const index resolves to a DURATION
	OpSLEEP  byte = 0x52
	OpYIELD  byte = 0x53

	OpERROR byte = 0x60 // ERROR cap, code_kidx(u16), msg_kidx(u16)

	OpPUSHK   byte = 0x80 // push constant by pool index
	OpPUSHCAP byte = 0x82 // push capsule reference by id byte
	OpUNOP    byte = 0x90
	OpBINOP   byte = 0x91

	OpJZ  byte = 0xA0
	OpJNZ byte = 0xA1
	OpJMP byte = 0xA2

	OpEND byte = 0xFF
)

// Spawn argument record tags
const (
	spawnArgConst   byte = 0x01 // followed by u16 constant index
	spawnArgCapsule byte = 0x02 // followed by u8 capsule id
)

var (
	// OpCodes lists every IR instruction with its operand layout.
	OpCodes = []Opcode{
		{OpNOP, "NOP", nil},
		{OpINIT, "INIT", []OperandKind{OperandCap}},
		{OpLOAD, "LOAD", []OperandKind{OperandCap, OperandConst}},
		{OpCALL, "CALL", []OperandKind{OperandFunc}},
		{OpCALLA, "CALLA", []OperandKind{OperandFunc, OperandCap}},
		{OpEXIT, "EXIT", nil},

		{OpLEASE, "LEASE", []OperandKind{OperandCap}},
		{OpSUBLEASE, "SUBLEASE", []OperandKind{OperandCap}},
		{OpRELEASE, "RELEASE", []OperandKind{OperandCap}},
		{OpCHECKEXP, "CHECKEXP", []OperandKind{OperandCap}},

		{OpRENDER, "RENDER", []OperandKind{OperandCap}},
		{OpINPUT, "INPUT", []OperandKind{OperandCap}},
		{OpOUTPUT, "OUTPUT", []OperandKind{OperandCap}},

		{OpSEND, "SEND", []OperandKind{OperandCap, OperandCap}},
		{OpRECV, "RECV", []OperandKind{OperandCap, OperandCap}},

		{OpSPAWN, "SPAWN", []OperandKind{OperandFunc, OperandSpawn}},
		{OpJOIN, "JOIN", []OperandKind{OperandCap}},

		{OpSTAMP, "STAMP", []OperandKind{OperandCap, OperandConst}},
		{OpEXPIRE, "EXPIRE", []OperandKind{OperandCap, OperandConst}},
		{OpSLEEP, "SLEEP", []OperandKind{OperandConst}},
		{OpYIELD, "YIELD", nil},

		{OpERROR, "ERROR", []OperandKind{OperandCap, OperandConst, OperandConst}},

		{OpPUSHK, "PUSHK", []OperandKind{OperandConst}},
		{OpPUSHCAP, "PUSHCAP", []OperandKind{OperandCap}},
		{OpUNOP, "UNOP", []OperandKind{OperandU8}},
		{OpBINOP, "BINOP", []OperandKind{OperandU8}},

		{OpJZ, "JZ", []OperandKind{OperandRel}},
		{OpJNZ, "JNZ", []OperandKind{OperandRel}},
		{OpJMP, "JMP", []OperandKind{OperandRel}},

		{OpEND, "END", nil},
	}

	// OpCodesMap maps from opcode byte value to Opcode. Initialized by init()
	OpCodesMap map[byte]Opcode

	// OpcodeValues is the static name->code table exposed in the
	// symbol sidecar for downstream tooling.
	OpcodeValues map[string]byte

	// Binops maps binary operator symbols to BINOP operand ids.
	Binops = map[string]byte{
		"||": 1, "&&": 2,
		"==": 3, "!=": 4,
		"<": 5, ">": 6, "<=": 7, ">=": 8,
		"+": 9, "-": 10, "*": 11, "/": 12, "%": 13,
	}

	// Unops maps unary operator symbols to UNOP operand ids. "u-" is
	// the parser's spelling of unary minus.
	Unops = map[string]byte{
		"!": 1, "~": 2, "u-": 3,
	}
)

func init() {
	OpCodesMap = make(map[byte]Opcode)
	OpcodeValues = make(map[string]byte)
	for _, op := range OpCodes {
		OpCodesMap[op.Value] = op
		OpcodeValues[op.Name] = op.Value
	}
}

// CapsuleID encodes a capsule name as its single-octet id. Hex-like
// two-character names (A0, B7, FF) map to their byte value; anything
// else takes a DJB2 hash truncated to 8 bits. The encoding is lossy
// and collisions are not an error.
func CapsuleID(name string) byte {
	if len(name) == 2 {
		if v, err := strconv.ParseUint(name, 16, 8); err == nil {
			return byte(v)
		}
	}
	h := uint32(5381)
	for _, c := range name {
		h = h<<5 + h + uint32(c)
	}
	return byte(h)
}
