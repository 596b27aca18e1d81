package seqid

// Counter stores the last issued value of one collection's monotonic sequence.
// It is only ever mutated inside the allocation transaction.
type Counter struct {
	Collection       string `gorm:"column:collection;primaryKey;size:64;not null"`
	CurrentValue     int64  `gorm:"column:current_value;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "sequence_counters"
}

// Mapping links a collection's sequential id to the backend identifier of the
// record it was assigned to. Mappings are written once and never deleted, even
// when the underlying record is removed; orphaned mappings are harmless and
// sequential values are never reclaimed.
type Mapping struct {
	Collection       string `gorm:"column:collection;primaryKey;size:64;not null;index:idx_seq_mappings_backend,priority:1"`
	SequentialID     int64  `gorm:"column:sequential_id;primaryKey;not null"`
	BackendID        string `gorm:"column:backend_id;size:190;not null;index:idx_seq_mappings_backend,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Mapping) TableName() string {
	return "sequential_mappings"
}
