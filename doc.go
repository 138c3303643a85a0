// Package main provides the go-credbundle CLI tool for packing iOS signing
// credentials into a single signed container.
//
// For the library API, see the credbundle subpackage:
//
//	import "github.com/aluedeke/go-credbundle/pkg/credbundle"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-credbundle@latest
package main
