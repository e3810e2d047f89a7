// Package pferr defines the closed error taxonomy shared by the paging
// packages. Errors are plain struct values rather than results of
// errors.New/fmt.Errorf so that callers running in allocation-constrained
// contexts (interrupt handlers, early boot) can compare against the fixed
// set of Kind values without incurring an allocation.
package pferr

// Kind is a closed enumeration of paging failure modes. Every fallible
// operation in this module fails with exactly one Kind.
type Kind uint8

const (
	// NoMemory indicates the frame allocator returned nothing.
	NoMemory Kind = iota + 1
	// AlreadyMapped indicates map/map_no_target found a present entry at
	// the target slot.
	AlreadyMapped
	// NotMapped indicates unmap/query/validate/modify_pte_flags found an
	// unused entry or a missing intermediate table.
	NotMapped
	// NotAligned indicates a bulk region call received an address or size
	// that is not a multiple of the base page size.
	NotAligned
	// MappedToHugePage indicates a walk descended into a huge leaf when a
	// finer-grained walk was required.
	MappedToHugePage
	// AlreadyValid indicates validate was called on an already-valid leaf.
	AlreadyValid
	// NotValid indicates an address-space unmap could not follow an
	// intermediate table.
	NotValid
)

var kindNames = [...]string{
	NoMemory:         "no memory",
	AlreadyMapped:    "already mapped",
	NotMapped:        "not mapped",
	NotAligned:       "not aligned",
	MappedToHugePage: "mapped to huge page",
	AlreadyValid:     "already valid",
	NotValid:         "not valid",
}

// String returns the human-readable name of k.
func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown paging error"
}

// Error describes a single terminal failure of a paging operation.
type Error struct {
	// Module is the package that raised the error (e.g. "ptable", "addrspace").
	Module string
	// Kind is the closed failure category.
	Kind Kind
	// Message is a human-readable detail string.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Module + ": " + e.Kind.String()
	}
	return e.Module + ": " + e.Kind.String() + ": " + e.Message
}

// New constructs an *Error for module with the given kind and message.
func New(module string, kind Kind, message string) *Error {
	return &Error{Module: module, Kind: kind, Message: message}
}

// Is reports whether err is a paging *Error with the given Kind. It allows
// callers to use errors.Is(err, pferr.NoMemory) style checks by wrapping a
// sentinel comparison; defined so Kind itself satisfies no interface but
// call sites can do: if pe, ok := err.(*pferr.Error); ok && pe.Kind == ... .
func Is(err error, kind Kind) bool {
	pe, ok := err.(*Error)
	return ok && pe.Kind == kind
}
