// Package metadata models the contract with the host binary's metadata
// image. The core never parses metadata itself; it resolves VM-level
// ids and raw tokens against whatever implementation of Image the caller
// supplies (typically a thin wrapper around a real .NET metadata reader).
package metadata

import "fmt"

// Token is a raw metadata token as embedded in an instruction's operand.
type Token uint32

// TokenKind filters which token categories ResolveReference is allowed to
// return, mirroring the type-def/type-ref/type-spec style filters the VM's
// own token resolution uses.
type TokenKind uint8

const (
	KindTypeDef TokenKind = 1 << iota
	KindTypeRef
	KindTypeSpec
	KindMethodDef
	KindMethodRef
	KindFieldDef
	KindMemberRef
)

// TypeRef identifies a referenced type.
type TypeRef struct {
	Token     Token
	Namespace string
	Name      string
}

func (t TypeRef) String() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// MethodSignature describes a callee's shape as needed by CALL and
// by NEWOBJ v-call resolution: whether it takes an implicit `this`,
// its declared parameter count, and whether it returns a value.
type MethodSignature struct {
	Name           string
	IsInstance     bool
	ParameterCount int
	ReturnsValue   bool
	ReturnType     TypeRef
	DeclaringType  TypeRef
}

// Member is the result of resolving a token: exactly one of Type, Method,
// or Field is populated, matching whichever kind the token named.
type Member struct {
	Type   *TypeRef
	Method *MethodSignature
	Field  *TypeRef
}

// Logger receives diagnostics produced while resolving a reference; it is
// the same logger the core's worklist driver uses (see internal/disasm).
type Logger interface {
	Warnf(format string, args ...any)
}

// Image is the contract with the host binary's metadata. Callers
// supply a concrete implementation; the core only calls these two methods.
type Image interface {
	// ResolveMember returns the referenced type, method, or field, or
	// a zero Member and false if the token does not resolve.
	ResolveMember(token Token) (Member, bool)

	// ResolveReference maps a VM-level id (e.g. a TRY catch-type id, or a
	// v-call LDFLD field id) to a metadata token within one of the allowed
	// categories.
	ResolveReference(logger Logger, offset uint64, id uint32, allowed TokenKind) (Token, bool)
}

// ErrUnresolved describes a metadata reference the image reports no match
// for. The core's own lookups do not return it; they report that case as
// vmerr.InferenceFailed.
type ErrUnresolved struct {
	Offset uint64
	ID     uint32
}

func (e *ErrUnresolved) Error() string {
	return fmt.Sprintf("unresolved metadata reference at 0x%x (id=%d)", e.Offset, e.ID)
}
