// Package specparser loads and validates a Director file (spec §3) into a
// typed Specification, preserving the document's sequence ordering (scripts
// run in document order; option/argument/environment flags emit in document
// order) since that ordering is directly observable in the external
// appjail invocations the reconciler makes.
package specparser

// KV is a single entry of an "ordered sequence of single-entry mappings":
// option-name (or argument/environment-variable name) to an optional value.
// A nil Value distinguishes "present with no value" (injected as a bare
// flag) from "present with an empty string value".
type KV struct {
	Key   string
	Value *string
}

// ScriptType enumerates the allowed values of a script's `type` field.
type ScriptType string

// The three script invocation styles appjail understands.
const (
	ScriptJexec  ScriptType = "jexec"
	ScriptLocal  ScriptType = "local"
	ScriptChroot ScriptType = "chroot"
)

// Script is one entry of a service's `scripts` sequence.
type Script struct {
	Shell string
	Type  ScriptType
	Text  string
}

// VolumeDef describes one named entry of the top-level `volumes` mapping.
type VolumeDef struct {
	Device string
	Type   string
	Options string
	Dump   int
	Pass   int

	// Pre-mount attributes, only meaningful for nullfs and pseudo-filesystem
	// volume types; nil means "not set".
	Umask *int
	Mode  *int
	Owner string
	Group string
}

// OCI carries the optional `oci` sub-mapping of a service.
type OCI struct {
	User        string
	Workdir     string
	Environment []KV
}

// ServiceDef describes one named entry of the top-level `services` mapping.
type ServiceDef struct {
	Priority        int
	Name            string // explicit jail name, "" if unset
	Makejail        string
	ResetOptions    bool
	IgnoreMtime     bool
	Options         []KV
	Arguments       []KV
	Environment     []KV
	StartEnvironment []KV
	OCI             OCI
	Volumes         []KV // volume-name -> mountpoint
	Scripts         []Script
	Start           []KV
	Serial          int
}

// Specification is the fully validated, typed form of a Director file.
type Specification struct {
	Options           []KV
	DefaultVolumeType string
	Volumes           map[string]VolumeDef
	Services          map[string]ServiceDef

	// ServiceOrder preserves the document order of the `services` mapping,
	// used as the tie-breaker when two services share a priority (spec
	// §4.6/§8 property 3).
	ServiceOrder []string

	// Raw is the normalized (but not schema-expanded) decoded document,
	// used for structural-equality diffing by the Project/Reconciler per
	// spec §9's "raw comparison" decision: defaults are intentionally not
	// expanded into Raw, so two specs that differ only because one relies
	// on a default and the other spells it out compare as different.
	Raw map[string]interface{}
}

// Defaults mirrors spec §3's documented default values.
const (
	DefaultPriority     = 99
	DefaultMakejail     = "Makejail"
	DefaultScriptShell  = "/bin/sh -c"
	DefaultScriptType   = ScriptJexec
	DefaultVolumeType   = "nullfs"
	DefaultVolumeOpts   = "rw"
)
