// Package policy guards plans with Rego policies before they are executed.
//
// Every policy is a Rego module. Its package may define two set rules:
//
//	deny contains violation if { ... }   # blocks the run
//	warn contains violation if { ... }   # reported only
//
// A violation is either a string or an object with "message" and an optional
// "step" naming the offending step ID. Policies see the plan as input:
//
//	{
//	  "kind": "prepare",
//	  "steps": [{"id": "provider/lxd", "kind": "provider", "action": "configure",
//	             "target": "lxd", "params": {"channel": "5.21/stable"}}],
//	  "host": {"arch": "amd64", "user": "ubuntu"}
//	}
//
// and data.concierge.protected_snaps lists snaps a restore never removes.
//
// Built-in policies cover the google credentials file, edge channels,
// conflicting Kubernetes providers and protected snaps. Additional policies are
// loaded from a directory of .rego or .json files; one named like a built-in
// replaces it.
//
// A denied plan yields a fatal engine error with code POLICY_DENIED, which the
// CLI reports with exit status 3.
package policy
