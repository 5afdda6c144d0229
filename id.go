package runwire

import "github.com/Boykai/runwire/id"

// ID is the primary identifier type for all runwire entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
