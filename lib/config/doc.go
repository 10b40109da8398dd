// Package config provides YAML configuration loading for stripefs
// components.
//
// Configuration is loaded from a single file specified by either the
// STRIPEFS_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search.
//
// A single config file holds both a [ServerConfig] and a
// [ClientConfig] section; a given process reads only the section it
// needs. Command-line flags parsed by pflag override the
// corresponding config field when both are set.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded against the
// process environment.
//
// Key exports:
//
//   - [Config] -- master struct with Server and Client sections
//   - [Default] -- returns a Config with usable zero-value defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other stripefs packages.
package config
