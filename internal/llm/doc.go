// Package llm defines the provider-neutral completion interface used to
// produce rich fortune-stick readings. Provider adapters live in
// subpackages; callers must tolerate failures and fall back to
// deterministic readings.
package llm
