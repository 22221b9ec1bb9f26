// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package code implements the code object (§4.6 "External interfaces",
// first bullet): the immutable-after-construction unit the evaluator (I)
// executes inside a frame (H) — instructions, an interned constant pool,
// local/cell/freevar name tuples, the packed argument signature, the flag
// word, the exception table, the line table, and the jump side table.
//
// This generalizes the teacher's fixed-width register encoding
// (probe-lang/lang/vm, whose Opcode/Disassemble this package's Op and
// Disassemble are grounded on) from a closed blockchain-opcode set to the
// Language's opcode families (§4.6), and adds the construction-time
// constant interning and exception/line tables the teacher's single-function
// contract never needed.
package code

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/sha3"

	"github.com/probechain/go-probe/object"
)

// Op is an evaluator opcode. Values are grouped by family exactly as in
// §4.6's opcode-family table; family boundaries are marked below so a
// disassembler or the eval package's dispatch table can assert on ranges
// without a separate classification table.
type Op uint8

const (
	// ---- Constants & jumps --------------------------------------------
	LoadConst Op = iota
	Jump
	PopJumpIfTrue
	PopJumpIfFalse
	JumpIfTrue
	JumpIfFalse

	// ---- Locals ---------------------------------------------------------
	LoadFast
	StoreFast
	Move
	Copy
	ClearFast
	ClearAcc

	// ---- Names ------------------------------------------------------------
	LoadName
	StoreName
	DeleteName
	LoadGlobal
	StoreGlobal
	DeleteGlobal
	LoadDeref
	StoreDeref
	LoadClassDeref

	// ---- Attributes ---------------------------------------------------
	LoadAttr
	StoreAttr
	DeleteAttr
	LoadMethod

	// ---- Arithmetic -----------------------------------------------------
	BinaryAdd
	BinarySub
	BinaryMul
	BinaryTrueDiv
	BinaryFloorDiv
	BinaryMod
	BinaryPow
	InplaceAdd
	UnaryNegative
	UnaryNot
	UnaryInvert

	// ---- Comparisons -----------------------------------------------------
	CompareOp
	IsOp
	ContainsOp

	// ---- Sequences ------------------------------------------------------
	BuildList
	BuildTuple
	BuildSet
	BuildMap
	ListAppend
	ListExtend
	DictUpdate
	DictMerge
	SetAdd
	SetUpdate
	UnpackSequence
	BuildSlice

	// ---- Iteration ------------------------------------------------------
	GetIter
	GetYieldFromIter
	ForIter
	GetAIter
	GetANext
	EndAsyncFor

	// ---- Calls -----------------------------------------------------------
	CallFunction
	CallMethod
	CallFunctionEx
	FuncHeader
	CFuncHeader
	FuncTPCallHeader
	MethodHeader
	MakeFunction
	CoroGenHeader

	// ---- Control flow -----------------------------------------------------
	ReturnValue
	YieldValue
	YieldFrom
	Raise
	JumpIfNotExcMatch
	EndExcept
	CallFinally
	EndFinally
	SetupWith
	EndWith
	SetupAsyncWith
	EndAsyncWith
	ImportName
	ImportFrom
	ImportStar
	GetAwaitable
	LoadBuildClass
	LoadIntrinsic
	CallIntrinsic1
	CallIntrinsicN
)

var opNames = [...]string{
	LoadConst: "LOAD_CONST", Jump: "JUMP", PopJumpIfTrue: "POP_JUMP_IF_TRUE",
	PopJumpIfFalse: "POP_JUMP_IF_FALSE", JumpIfTrue: "JUMP_IF_TRUE", JumpIfFalse: "JUMP_IF_FALSE",
	LoadFast: "LOAD_FAST", StoreFast: "STORE_FAST", Move: "MOVE", Copy: "COPY",
	ClearFast: "CLEAR_FAST", ClearAcc: "CLEAR_ACC",
	LoadName: "LOAD_NAME", StoreName: "STORE_NAME", DeleteName: "DELETE_NAME",
	LoadGlobal: "LOAD_GLOBAL", StoreGlobal: "STORE_GLOBAL", DeleteGlobal: "DELETE_GLOBAL",
	LoadDeref: "LOAD_DEREF", StoreDeref: "STORE_DEREF", LoadClassDeref: "LOAD_CLASSDEREF",
	LoadAttr: "LOAD_ATTR", StoreAttr: "STORE_ATTR", DeleteAttr: "DELETE_ATTR", LoadMethod: "LOAD_METHOD",
	BinaryAdd: "BINARY_ADD", BinarySub: "BINARY_SUB", BinaryMul: "BINARY_MUL",
	BinaryTrueDiv: "BINARY_TRUE_DIV", BinaryFloorDiv: "BINARY_FLOOR_DIV", BinaryMod: "BINARY_MOD",
	BinaryPow: "BINARY_POW", InplaceAdd: "INPLACE_ADD", UnaryNegative: "UNARY_NEGATIVE",
	UnaryNot: "UNARY_NOT", UnaryInvert: "UNARY_INVERT",
	CompareOp: "COMPARE_OP", IsOp: "IS_OP", ContainsOp: "CONTAINS_OP",
	BuildList: "BUILD_LIST", BuildTuple: "BUILD_TUPLE", BuildSet: "BUILD_SET", BuildMap: "BUILD_MAP",
	ListAppend: "LIST_APPEND", ListExtend: "LIST_EXTEND", DictUpdate: "DICT_UPDATE",
	DictMerge: "DICT_MERGE", SetAdd: "SET_ADD", SetUpdate: "SET_UPDATE",
	UnpackSequence: "UNPACK_SEQUENCE", BuildSlice: "BUILD_SLICE",
	GetIter: "GET_ITER", GetYieldFromIter: "GET_YIELD_FROM_ITER", ForIter: "FOR_ITER",
	GetAIter: "GET_AITER", GetANext: "GET_ANEXT", EndAsyncFor: "END_ASYNC_FOR",
	CallFunction: "CALL_FUNCTION", CallMethod: "CALL_METHOD", CallFunctionEx: "CALL_FUNCTION_EX",
	FuncHeader: "FUNC_HEADER", CFuncHeader: "CFUNC_HEADER", FuncTPCallHeader: "FUNC_TPCALL_HEADER",
	MethodHeader: "METHOD_HEADER", MakeFunction: "MAKE_FUNCTION", CoroGenHeader: "COROGEN_HEADER",
	ReturnValue: "RETURN_VALUE", YieldValue: "YIELD_VALUE", YieldFrom: "YIELD_FROM", Raise: "RAISE",
	JumpIfNotExcMatch: "JUMP_IF_NOT_EXC_MATCH", EndExcept: "END_EXCEPT", CallFinally: "CALL_FINALLY",
	EndFinally: "END_FINALLY", SetupWith: "SETUP_WITH", EndWith: "END_WITH",
	SetupAsyncWith: "SETUP_ASYNC_WITH", EndAsyncWith: "END_ASYNC_WITH",
	ImportName: "IMPORT_NAME", ImportFrom: "IMPORT_FROM", ImportStar: "IMPORT_STAR",
	GetAwaitable: "GET_AWAITABLE", LoadBuildClass: "LOAD_BUILD_CLASS",
	LoadIntrinsic: "LOAD_INTRINSIC", CallIntrinsic1: "CALL_INTRINSIC_1", CallIntrinsicN: "CALL_INTRINSIC_N",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("OP(%d)", op)
}

// IsSafetyPoint reports whether op may invoke user code, allocate, or
// block — the eval breaker is only examined at these (§4.6 "Safety
// points").
func (op Op) IsSafetyPoint() bool {
	switch op {
	case CallFunction, CallMethod, CallFunctionEx, FuncHeader, CFuncHeader,
		FuncTPCallHeader, MethodHeader, MakeFunction, CoroGenHeader,
		LoadAttr, StoreAttr, DeleteAttr, LoadMethod,
		LoadGlobal, StoreGlobal, DeleteGlobal, LoadName, StoreName, DeleteName,
		Raise, SetupWith, EndWith, SetupAsyncWith, EndAsyncWith,
		ImportName, ImportFrom, ImportStar, GetAwaitable,
		ForIter, GetANext, YieldValue, YieldFrom,
		BuildList, BuildTuple, BuildSet, BuildMap,
		ListAppend, ListExtend, DictUpdate, DictMerge, SetAdd, SetUpdate,
		UnpackSequence, BuildSlice, GetYieldFromIter, GetAIter, EndAsyncFor,
		InplaceAdd, ContainsOp, LoadBuildClass,
		LoadIntrinsic, CallIntrinsic1, CallIntrinsicN:
		return true
	default:
		return false
	}
}

// Instr is one decoded instruction: an opcode plus up to three 32-bit
// operands (register indices, jump targets, or pool indices depending on
// the opcode). The teacher's fixed 4-byte encoding cannot hold a Language
// opcode's widest operand (a jump side-table or constant-pool index can
// exceed 16 bits), so this package keeps instructions decoded in memory
// (an []Instr) rather than a packed byte stream; no packed byte encoding is
// provided, and Disassemble renders the decoded []Instr directly.
type Instr struct {
	Op   Op
	A, B, C int32
}

// Flag is a bit in a code object's flag word (§6 "flag word").
type Flag uint32

const (
	FlagVarArgs Flag = 1 << iota
	FlagVarKeywords
	FlagGenerator
	FlagCoroutine
	FlagAsyncGenerator
	FlagNewLocals
	FlagNested
	FlagIterableCoroutine
)

// ArgSignature is the packed argument signature (§6).
type ArgSignature struct {
	ArgCount   int
	PosOnly    int
	KWOnly     int
	TotalArg   int
	NDefaults  int
	NFreeVars  int
	NCells     int
	FrameSize  int
}

// ExceptEntry is one row of the exception table (§4.9): the innermost
// entries come first by Start.
type ExceptEntry struct {
	Start, HandlerEnd int32
	Handler           int32
	LinkReg           int32
}

// LineRun is one run of the line table's run-length encoding (§4.10):
// ByteDelta instructions advance the PC before Line changes by LineDelta.
type LineRun struct {
	ByteDelta int32
	LineDelta int32
}

// JumpSideEntry maps a back-edge PC to its destination (§6 "jump side
// table"), binary-searchable by PC.
type JumpSideEntry struct {
	PC, Target int32
}

// Code is an immutable compiled unit (§6 "Code object").
type Code struct {
	Name     string
	Filename string
	FirstLine int

	Instructions []Instr
	Consts       []object.Ref

	Names     []string // LOAD_NAME / LOAD_GLOBAL / LOAD_ATTR operand table
	VarNames  []string // positional + local argument names
	CellVars  []string
	FreeVars  []string

	Sig   ArgSignature
	Flags Flag

	ExceptTable []ExceptEntry
	LineTable   []LineRun
	JumpSide    []JumpSideEntry

	Cell2Reg map[int]int // cell index -> register slot
	Free2Reg map[int]int // freevar index -> register slot

	constIndex map[string]int // interning table, construction-time only
}

// New creates an empty code object ready for constant interning via the Intern* methods.
func New(name, filename string, firstLine int) *Code {
	return &Code{
		Name:       name,
		Filename:   filename,
		FirstLine:  firstLine,
		Cell2Reg:   make(map[int]int),
		Free2Reg:   make(map[int]int),
		constIndex: make(map[string]int),
	}
}

// internKey derives a dedup key for a constant. Object identity is not
// meaningful for brand-new literal constants produced by a compiler (every
// literal `1` should intern to the same pool slot even though each is a
// freshly constructed object.Ref), so constants are deduplicated by a
// content hash instead — reusing the SHA3 primitive the teacher's VM
// exposes to guest code as a crypto opcode, mirroring namemap's reuse of
// the same dependency for its own purposes.
func internKey(kind byte, payload []byte) string {
	h := sha3.New256()
	h.Write([]byte{kind})
	h.Write(payload)
	return string(h.Sum(nil))
}

// InternInt64 returns the pool index for v, adding it if not already
// present.
func (c *Code) InternInt64(v int64, ref object.Ref) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return c.intern(internKey('i', buf[:]), ref)
}

// InternFloat64 returns the pool index for v, adding it if not already
// present.
func (c *Code) InternFloat64(v float64, ref object.Ref) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	return c.intern(internKey('f', buf[:]), ref)
}

// InternString returns the pool index for v, adding it if not already
// present.
func (c *Code) InternString(v string, ref object.Ref) int {
	return c.intern(internKey('s', []byte(v)), ref)
}

// InternObject adds ref to the pool unconditionally (non-deduplicated
// constants: code objects, mutable literals, anything without a stable
// content key).
func (c *Code) InternObject(ref object.Ref) int {
	c.Consts = append(c.Consts, ref)
	return len(c.Consts) - 1
}

func (c *Code) intern(key string, ref object.Ref) int {
	if idx, ok := c.constIndex[key]; ok {
		return idx
	}
	c.Consts = append(c.Consts, ref)
	idx := len(c.Consts) - 1
	c.constIndex[key] = idx
	return idx
}

// LineForPC walks the line table's run-length encoding to find the source
// line active at byte offset pc (§4.10).
func (c *Code) LineForPC(pc int32) int {
	line := c.FirstLine
	var cursor int32
	for _, run := range c.LineTable {
		if cursor+run.ByteDelta > pc {
			break
		}
		cursor += run.ByteDelta
		line += int(run.LineDelta)
	}
	return line
}

// JumpTarget resolves a back-edge PC through the jump side table via
// binary search (§6).
func (c *Code) JumpTarget(pc int32) (int32, bool) {
	lo, hi := 0, len(c.JumpSide)
	for lo < hi {
		mid := (lo + hi) / 2
		if c.JumpSide[mid].PC < pc {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(c.JumpSide) && c.JumpSide[lo].PC == pc {
		return c.JumpSide[lo].Target, true
	}
	return 0, false
}

// FindHandler returns the first exception-table entry whose [Start,
// HandlerEnd) range contains pc (§4.9 step 2); entries are assumed
// pre-sorted innermost-first as the spec requires of a compiler's output.
func (c *Code) FindHandler(pc int32) (ExceptEntry, bool) {
	for _, e := range c.ExceptTable {
		if pc >= e.Start && pc < e.HandlerEnd {
			return e, true
		}
	}
	return ExceptEntry{}, false
}

// Disassemble returns a human-readable listing, generalizing the teacher's
// vm.Disassemble from its closed 4-byte opcode set to variable-arity
// Instr values.
func Disassemble(c *Code) string {
	out := ""
	for i, instr := range c.Instructions {
		switch instr.Op {
		case LoadConst, LoadFast, StoreFast, ClearFast, LoadGlobal, StoreGlobal,
			LoadName, StoreName, DeleteName, DeleteGlobal, LoadAttr, StoreAttr, DeleteAttr:
			out += fmt.Sprintf("[%04d] %-20s R%d, %d\n", i, instr.Op, instr.A, instr.B)
		case Jump, JumpIfTrue, JumpIfFalse, PopJumpIfTrue, PopJumpIfFalse:
			out += fmt.Sprintf("[%04d] %-20s -> %d\n", i, instr.Op, instr.A)
		case BinaryAdd, BinarySub, BinaryMul, BinaryTrueDiv, BinaryFloorDiv, BinaryMod, BinaryPow, Move, Copy:
			out += fmt.Sprintf("[%04d] %-20s R%d, R%d, R%d\n", i, instr.Op, instr.A, instr.B, instr.C)
		case ReturnValue, YieldValue, ClearAcc:
			out += fmt.Sprintf("[%04d] %-20s\n", i, instr.Op)
		default:
			out += fmt.Sprintf("[%04d] %-20s R%d, R%d, R%d\n", i, instr.Op, instr.A, instr.B, instr.C)
		}
	}
	return out
}
