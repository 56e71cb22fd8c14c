package types

// Version is the canonical courier version.
// The executor protocol and the run-completed event share it.
const Version = "0.3.0"

// ContractVersion is stamped on executor jobs and notification payloads.
const ContractVersion = Version
