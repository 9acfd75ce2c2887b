package analytics

// OperationKind classifies what the producer did to the entity.
type OperationKind string

const (
	OperationCreate OperationKind = "Create"
	OperationRead   OperationKind = "Read"
	OperationUpdate OperationKind = "Update"
	OperationDelete OperationKind = "Delete"
)

// Valid reports whether k is one of the four CRUD kinds. Matching is exact;
// "update" is not "Update".
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

func (k OperationKind) String() string { return string(k) }

// ChargeCategory classifies which party is billed for an event.
type ChargeCategory string

const (
	// ChargeOrganization bills the tenant organization. Events in this
	// category must carry an organization id.
	ChargeOrganization ChargeCategory = "Organization"
	// ChargeWebmaster is a platform-level charge. The organization id may be null.
	ChargeWebmaster ChargeCategory = "Webmaster"
)

func (c ChargeCategory) Valid() bool {
	return c == ChargeOrganization || c == ChargeWebmaster
}

// RequiresOrganization reports whether records in this category need a
// non-null organization reference.
func (c ChargeCategory) RequiresOrganization() bool {
	return c == ChargeOrganization
}

func (c ChargeCategory) String() string { return string(c) }

// OperationKinds lists every valid operation kind in declaration order.
func OperationKinds() []OperationKind {
	return []OperationKind{OperationCreate, OperationRead, OperationUpdate, OperationDelete}
}
