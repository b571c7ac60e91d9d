package replicator

// Change is one cell mutation submitted by a caller. Value is encoded via
// the message codec unless DataType is set, in which case Value must
// already be the caller's serialized string form (the opaque-tag escape
// hatch described in spec for data_type).
type Change struct {
	Table, Row, Column string
	Value              any
	DataType           string
}
