package eminor

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

const labelFormatString = "label_%d"

// Disassembler converts an emitted byte stream back to a textual
// listing. With a Sidecar attached, constant and function operands
// resolve to their pooled values and label offsets print under their
// source names.
type Disassembler struct {
	Code    []byte
	Sidecar *Sidecar // optional

	branchTargets map[int]int    // target offset -> dense label number
	labelNames    map[int]string // offset -> source label name, from sidecar
	funcNames     map[uint16]string
}

// NewDisassembler initializes a Disassembler for the byte stream.
func NewDisassembler(code []byte, sc *Sidecar) *Disassembler {
	d := &Disassembler{
		Code:       code,
		Sidecar:    sc,
		labelNames: make(map[int]string),
		funcNames:  make(map[uint16]string),
	}
	if sc != nil {
		for name, off := range sc.Labels {
			d.labelNames[off] = name
		}
		for name, idx := range sc.FuncIndex {
			d.funcNames[idx] = name
		}
	}
	return d
}

// Disassemble writes the listing to w. Each line carries the decoded
// instruction, the byte offset and the raw octets:
//
//	 INIT $A7               \ 0000 01 A7
//
// Unrecognized bytes print as data and never abort the walk.
func (d *Disassembler) Disassemble(w io.Writer) error {
	// First pass finds the targets of every relative branch. These
	// are written as labels in the output.
	d.findBranchTargets()

	cursor := 0
	for cursor < len(d.Code) {
		if name, ok := d.labelNames[cursor]; ok {
			if _, err := fmt.Fprintf(w, ".%s\n", name); err != nil {
				return err
			}
		} else if idx, ok := d.branchTargets[cursor]; ok {
			if _, err := fmt.Fprintf(w, "."+labelFormatString+"\n", idx); err != nil {
				return err
			}
		}

		var sb strings.Builder
		sb.WriteByte(' ')

		length := d.instructionLength(cursor)
		if length > 0 {
			op := OpCodesMap[d.Code[cursor]]
			instruction := d.Code[cursor : cursor+length]
			sb.WriteString(op.Name)
			if operands := d.decode(op, instruction, cursor); operands != "" {
				sb.WriteByte(' ')
				sb.WriteString(operands)
			}
			appendOffsetAndBytes(&sb, cursor, instruction)
			cursor += length
		} else {
			// Not decodable at this offset; print one byte as data.
			bs := d.Code[cursor : cursor+1]
			sb.WriteString(fmt.Sprintf("DATA &%02X", bs[0]))
			appendOffsetAndBytes(&sb, cursor, bs)
			cursor++
		}

		sb.WriteByte('\n')
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

// instructionLength returns the full encoded length of the
// instruction at cursor, including SPAWN's variable argument records,
// or 0 when the bytes do not decode.
func (d *Disassembler) instructionLength(cursor int) int {
	op, ok := OpCodesMap[d.Code[cursor]]
	if !ok {
		return 0
	}
	length := op.Length()
	if op.Value == OpSPAWN {
		// func(u16) argc(u8) then argc tagged records.
		if cursor+length > len(d.Code) {
			return 0
		}
		argc := int(d.Code[cursor+3])
		at := cursor + length
		for i := 0; i < argc; i++ {
			if at >= len(d.Code) {
				return 0
			}
			switch d.Code[at] {
			case spawnArgConst:
				at += 3
			case spawnArgCapsule:
				at += 2
			default:
				return 0
			}
		}
		length = at - cursor
	}
	if cursor+length > len(d.Code) {
		return 0
	}
	return length
}

func (d *Disassembler) decode(op Opcode, instruction []byte, cursor int) string {
	if op.Value == OpSPAWN {
		return d.decodeSpawn(instruction)
	}

	var out []string
	at := 1
	for _, kind := range op.Operands {
		switch kind {
		case OperandCap:
			out = append(out, fmt.Sprintf("$%02X", instruction[at]))
		case OperandU8:
			out = append(out, fmt.Sprintf("%d", instruction[at]))
		case OperandConst:
			out = append(out, d.constOperand(beU16(instruction[at:])))
		case OperandFunc:
			out = append(out, d.funcOperand(beU16(instruction[at:])))
		case OperandRel:
			out = append(out, d.relOperand(cursor, beU16(instruction[at:])))
		}
		at += kind.size()
	}
	return strings.Join(out, ", ")
}

func (d *Disassembler) decodeSpawn(instruction []byte) string {
	out := []string{d.funcOperand(beU16(instruction[1:]))}
	argc := int(instruction[3])
	at := 4
	for i := 0; i < argc; i++ {
		switch instruction[at] {
		case spawnArgConst:
			out = append(out, d.constOperand(beU16(instruction[at+1:])))
			at += 3
		case spawnArgCapsule:
			out = append(out, fmt.Sprintf("$%02X", instruction[at+1]))
			at += 2
		}
	}
	return strings.Join(out, ", ")
}

// constOperand renders a constant pool reference, resolved against the
// sidecar when one is attached.
func (d *Disassembler) constOperand(idx uint16) string {
	if d.Sidecar != nil && int(idx) < len(d.Sidecar.ConstPool) {
		return fmt.Sprintf("k%d=%s", idx, d.Sidecar.ConstPool[idx])
	}
	return fmt.Sprintf("k%d", idx)
}

func (d *Disassembler) funcOperand(idx uint16) string {
	if name, ok := d.funcNames[idx]; ok {
		return name
	}
	return fmt.Sprintf("f%d", idx)
}

// relOperand renders a branch target as a label where one exists. A
// branch at offset B with displacement rel lands at B+3+rel.
func (d *Disassembler) relOperand(cursor int, raw uint16) string {
	rel := int(int16(raw))
	tgt := cursor + 3 + rel
	if name, ok := d.labelNames[tgt]; ok {
		return name
	}
	if idx, ok := d.branchTargets[tgt]; ok {
		return fmt.Sprintf(labelFormatString, idx)
	}
	// Target is not the start of a reachable instruction; fall back
	// to the raw displacement.
	return fmt.Sprintf("*%+d", rel)
}

func (d *Disassembler) findBranchTargets() {
	// Track all reachable instruction starts so that branch targets
	// computed out of data bytes are rejected.
	iloc := make(map[int]bool)

	d.branchTargets = make(map[int]int)
	cursor := 0
	for cursor < len(d.Code) {
		iloc[cursor] = true
		op, ok := OpCodesMap[d.Code[cursor]]
		length := d.instructionLength(cursor)
		if length == 0 {
			cursor++
			continue
		}
		if ok && op.IsBranch() {
			rel := int(int16(beU16(d.Code[cursor+1:])))
			tgt := cursor + 3 + rel
			if _, seen := d.branchTargets[tgt]; !seen {
				d.branchTargets[tgt] = 0 // value filled out below
			}
		}
		cursor += length
	}
	iloc[len(d.Code)] = true // one past END is a legal branch target

	for k := range d.branchTargets {
		if !iloc[k] {
			delete(d.branchTargets, k)
		}
	}

	// Number branch targets in order of increasing offset.
	bt := make([]int, 0, len(d.branchTargets))
	for k := range d.branchTargets {
		bt = append(bt, k)
	}
	sort.Ints(bt)
	for i, v := range bt {
		d.branchTargets[v] = i
	}
}

func beU16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func appendOffsetAndBytes(sb *strings.Builder, cursor int, instruction []byte) {
	if pad := 24 - sb.Len(); pad > 0 {
		sb.WriteString(strings.Repeat(" ", pad))
	} else {
		sb.WriteByte(' ')
	}
	sb.WriteString("\\ ")
	out := []string{fmt.Sprintf("%04X", cursor)}
	for _, b := range instruction {
		out = append(out, fmt.Sprintf("%02X", b))
	}
	sb.WriteString(strings.Join(out, " "))
}
