package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// KindTag enumerates the closed set of operation kinds.
type KindTag int

const (
	// KindCreate creates a new remote resource.
	KindCreate KindTag = iota + 1
	// KindUpdate modifies an existing remote resource.
	KindUpdate
	// KindDelete removes a remote resource.
	KindDelete
	// KindCustom is a named, endpoint-specific operation.
	KindCustom
)

// OperationKind is a tagged variant over {Create, Update, Delete, Custom(name)}.
//
// The zero value is invalid. Construct kinds with Create, Update, Delete,
// Custom or ParseOperationKind so the engine can switch exhaustively on Tag.
type OperationKind struct {
	tag  KindTag
	name string
}

// Create returns the Create kind.
func Create() OperationKind { return OperationKind{tag: KindCreate} }

// Update returns the Update kind.
func Update() OperationKind { return OperationKind{tag: KindUpdate} }

// Delete returns the Delete kind.
func Delete() OperationKind { return OperationKind{tag: KindDelete} }

// Custom returns a named custom kind. The name must be non-empty.
func Custom(name string) OperationKind {
	return OperationKind{tag: KindCustom, name: name}
}

// Tag returns the variant tag.
func (k OperationKind) Tag() KindTag { return k.tag }

// Name returns the custom operation name; empty for the built-in kinds.
func (k OperationKind) Name() string { return k.name }

// Valid reports whether k was built by one of the constructors.
func (k OperationKind) Valid() bool {
	switch k.tag {
	case KindCreate, KindUpdate, KindDelete:
		return k.name == ""
	case KindCustom:
		return k.name != ""
	default:
		return false
	}
}

// String renders the kind as create, update, delete or custom:<name>.
func (k OperationKind) String() string {
	switch k.tag {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindCustom:
		return "custom:" + k.name
	default:
		return "invalid"
	}
}

// ParseOperationKind is the inverse of OperationKind.String.
func ParseOperationKind(s string) (OperationKind, error) {
	switch s {
	case "create":
		return Create(), nil
	case "update":
		return Update(), nil
	case "delete":
		return Delete(), nil
	}
	if name, ok := strings.CutPrefix(s, "custom:"); ok && name != "" {
		return Custom(name), nil
	}
	return OperationKind{}, fmt.Errorf("invalid operation kind %q", s)
}

// MarshalJSON encodes the kind as its string form.
func (k OperationKind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("marshal operation kind: invalid kind")
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes the string form produced by MarshalJSON.
func (k *OperationKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal operation kind: %w", err)
	}
	parsed, err := ParseOperationKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
