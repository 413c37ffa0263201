package types

// RowID identifies the primary key each entity is stored under in
// pkg/storage. Defined here, next to the types themselves, rather than
// in the storage package, since the key choice (almost always .ID) is a
// property of the entity, not of bbolt.

func (l Lab) RowID() string             { return l.ID }
func (f Flavor) RowID() string          { return f.ID }
func (h Host) RowID() string            { return h.ID }
func (s Switch) RowID() string          { return s.ID }
func (p SwitchPort) RowID() string      { return p.ID }
func (v VLAN) RowID() string            { return v.ID }
func (t Template) RowID() string        { return t.ID }
func (a Aggregate) RowID() string       { return a.ID }
func (i Instance) RowID() string        { return i.ID }
func (r ResourceHandle) RowID() string  { return r.ID }
func (a Allocation) RowID() string      { return a.ID }
func (v VPNGrant) RowID() string        { return v.ID }
func (r RuntimeTask) RowID() string     { return r.ID }
