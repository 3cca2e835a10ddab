package policy

// ProtectedSnaps are never removed by a restore.
var ProtectedSnaps = []string{"snapd", "core", "core18", "core20", "core22", "core24"}

// BuiltinPolicies returns the built-in policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		googleCredentialsPolicy(),
		edgeChannelPolicy(),
		kubernetesConflictPolicy(),
		protectedSnapsPolicy(),
	}
}

// googleCredentialsPolicy requires a credentials file for the google provider.
func googleCredentialsPolicy() Policy {
	return Policy{
		Name:        "google-credentials",
		Description: "The google provider needs a credentials file",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package concierge.policies.google

import rego.v1

deny contains violation if {
	input.kind == "prepare"
	some step in input.steps
	step.kind == "provider"
	step.target == "google"
	not step.params.credentials_file
	violation := {
		"message": "no credentials file configured; set providers.google.credentials-file",
		"step": step.id,
	}
}
`,
	}
}

// edgeChannelPolicy warns about snaps tracking an edge risk.
func edgeChannelPolicy() Policy {
	return Policy{
		Name:        "edge-channels",
		Description: "Warns when a snap tracks the edge risk level",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package concierge.policies.channels

import rego.v1

warn contains violation if {
	input.kind == "prepare"
	some step in input.steps
	channel := step.params.channel
	endswith(channel, "edge")
	violation := {
		"message": sprintf("tracks the %s channel", [channel]),
		"step": step.id,
	}
}
`,
	}
}

// kubernetesConflictPolicy warns when both Kubernetes providers are enabled.
func kubernetesConflictPolicy() Policy {
	return Policy{
		Name:        "kubernetes-conflict",
		Description: "k8s and microk8s compete for the same ports",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package concierge.policies.kubernetes

import rego.v1

warn contains violation if {
	input.kind == "prepare"
	some a in input.steps
	a.id == "provider/k8s"
	some b in input.steps
	b.id == "provider/microk8s"
	violation := {
		"message": "k8s and microk8s are both enabled and compete for the same ports",
		"step": a.id,
	}
}
`,
	}
}

// ProtectedSnapsPolicy is the name of the policy guarding base snaps. It cannot be disabled.
const ProtectedSnapsPolicy = "protected-snaps"

// protectedSnapsPolicy blocks a restore that would remove a base snap.
func protectedSnapsPolicy() Policy {
	return Policy{
		Name:        ProtectedSnapsPolicy,
		Description: "A restore never removes snapd or a base snap",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package concierge.policies.protected

import rego.v1

deny contains violation if {
	input.kind == "restore"
	some step in input.steps
	step.kind == "snap"
	step.action == "teardown"
	not step.pre_existing
	step.target in data.concierge.protected_snaps
	violation := {
		"message": sprintf("refusing to remove %s", [step.target]),
		"step": step.id,
	}
}
`,
	}
}
