package app

import cliflag "k8s.io/component-base/cli/flag"

// CliOptions is the interface for command line options.
// Flags are grouped into named sections that are printed separately in --help.
type CliOptions interface {
	// Flags returns the flag sets grouped by section name.
	Flags() cliflag.NamedFlagSets
	// Complete fills in fields that were not set.
	Complete() error
	// Validate validates the options.
	Validate() error
}
