// Package manifest compiles CUE boot manifests.
//
// A manifest describes everything the entry-wiring driver needs to bring a
// kernel up: table and scheduler sizing, the isolation domains and their
// grants, and the initial processes with the program each one runs.
//
// Compilation has two stages. The CUE value is first unified with the
// embedded #Manifest schema, which rejects unknown fields, fills defaults and
// checks value ranges. The concrete result is then decoded into Go types and
// checked for cross references (grant endpoints, process domains, parents)
// by Validate.
package manifest
