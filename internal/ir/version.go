package ir

// Version constants for the engine and the persisted bookkeeping layout.
const (
	// SchemaVersion is the version of the bookkeeping tables (import runs,
	// sequences, external systems).
	SchemaVersion = "1"

	// EngineVersion is the beetle engine version.
	EngineVersion = "0.1.0"
)
