// Package eventmask implements the bidirectional map between symbolic event
// names, the four system-independent generic codes, and backend-native flag
// bits (spec §4.1). It is seeded per backend from a translation vector
// supplied by pkg/backend, keeping this package itself backend-agnostic.
package eventmask

import (
	"strings"
	"syscall"
)

// Generic is a system-independent event code bitmask.
type Generic uint32

// Generic event bits, per spec §3.
const (
	Create Generic = 1 << iota
	Write
	Attrib
	Delete
)

// AllGeneric is the mask of every generic event, used to fill an empty mask
// at rule-finalization time (spec §3: "empty masks are filled to 'all
// generic events' at rule-finalisation time").
const AllGeneric = Create | Write | Attrib | Delete

// orderedGenericBits lists the generic bits in the canonical order used for
// name formatting (DIREVENT_GENEV_NAME) and iteration.
var orderedGenericBits = []Generic{Create, Write, Attrib, Delete}

var genericNames = map[Generic]string{
	Create: "create",
	Write:  "write",
	Attrib: "attrib",
	Delete: "delete",
}

var nameToGenericBit = func() map[string]Generic {
	m := make(map[string]Generic, len(genericNames))
	for bit, name := range genericNames {
		m[name] = bit
	}
	return m
}()

// NameToGeneric converts a single symbolic event name (e.g. "create") to its
// generic bit. It returns false if the name isn't a recognized generic
// event name.
func NameToGeneric(name string) (Generic, bool) {
	bit, ok := nameToGenericBit[strings.ToLower(name)]
	return bit, ok
}

// Names returns the sorted list of generic event names set in g, in the
// canonical CREATE, WRITE, ATTRIB, DELETE order.
func (g Generic) Names() []string {
	var names []string
	for _, bit := range orderedGenericBits {
		if g&bit != 0 {
			names = append(names, genericNames[bit])
		}
	}
	return names
}

// String renders the whitespace-joined generic names set in g, matching the
// DIREVENT_GENEV_NAME environment binding format (spec §6).
func (g Generic) String() string {
	return strings.Join(g.Names(), " ")
}

// Mask pairs the system-independent generic bits with backend-defined
// native bits (spec §3). A Mask is empty when both components are zero.
type Mask struct {
	// Generic holds the system-independent event bits.
	Generic Generic
	// Backend holds the opaque, backend-defined native bits.
	Backend uint32
}

// IsEmpty reports whether both components of the mask are zero (spec §3).
func (m Mask) IsEmpty() bool {
	return m.Generic == 0 && m.Backend == 0
}

// FillEmpty returns m with its generic component defaulted to AllGeneric if
// m was entirely empty, implementing the rule-finalization fill described in
// spec §3.
func (m Mask) FillEmpty() Mask {
	if m.IsEmpty() {
		return Mask{Generic: AllGeneric}
	}
	return m
}

// Translator maps between the generic taxonomy and one backend's native
// flag bits. Each backend (pkg/backend) provides a concrete Translator
// seeded from its own per-generic-code translation vector (spec §4.1: "an
// initialisation routine that seeds the table from a per-backend
// translation vector mapping each generic code to its native bits").
type Translator interface {
	// NativeBitsForGeneric returns the native bits a backend uses to signal
	// the given single generic bit.
	NativeBitsForGeneric(g Generic) uint32
	// GenericForNative returns the union of every generic bit whose native
	// mask intersects observed (spec §4.1's reverse map: "sets the first
	// generic bit whose native-mask intersects the input; multiple can be
	// OR'd by iteration").
	GenericForNative(observed uint32) Generic
	// NativeNameToBits resolves a backend-native flag name (e.g.
	// "IN_MODIFY" or "NOTE_WRITE") to its bit value.
	NativeNameToBits(name string) (uint32, bool)
	// NativeNames returns the native flag names set in flags, sorted for
	// stable DIREVENT_SYSEV_NAME formatting.
	NativeNames(flags uint32) []string
}

// ErrUnknownEventName is returned by NameToMask for a name that is neither a
// generic event name nor a backend-native flag name (spec §4.1: "`name→mask`
// returns the empty mask with EINVAL if the name is unknown").
var ErrUnknownEventName = syscall.EINVAL

// NameToMask resolves a single event name — generic (e.g. "create") or
// backend-native (e.g. "IN_MODIFY") — to a Mask whose Backend field is
// filled and whose Generic field is left zero; per spec §4.1, generic bits
// are inferred later from observed events rather than at registration time.
func NameToMask(name string, t Translator) (Mask, error) {
	if bit, ok := NameToGeneric(name); ok {
		return Mask{Backend: t.NativeBitsForGeneric(bit)}, nil
	}
	if bits, ok := t.NativeNameToBits(name); ok {
		return Mask{Backend: bits}, nil
	}
	return Mask{}, ErrUnknownEventName
}

// Observe translates a backend-observed native flag word into m's generic
// component (spec §4.6 step 2: "Translate backend flags to generic bits by
// union over the seed table"), returning the updated mask. The Backend
// component is replaced with the observed flags themselves, since those are
// the authoritative native bits for this particular event.
func Observe(observed uint32, t Translator) Mask {
	return Mask{Generic: t.GenericForNative(observed), Backend: observed}
}

// FormatNativeNames renders the whitespace-joined native flag names set in
// flags, matching DIREVENT_SYSEV_NAME (spec §6). Order is whatever the
// translator's NativeNames returns, which is expected to be stable.
func FormatNativeNames(flags uint32, t Translator) string {
	return strings.Join(t.NativeNames(flags), " ")
}
