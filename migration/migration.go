// This package defines the migration type consumed by the internal database
// migrator. Each subsystem declares an ordered list of migrations which are
// applied exactly once, in order.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(tx *sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
