package configs

// NetworkKind selects the backend used to provide the container with
// network access when the network namespace is unshared. Pasta is the
// only backend today; adding one means adding a value here and an
// adapter function in internal/netns, not a plugin mechanism (see
// SPEC_FULL.md §9).
type NetworkKind int

const (
	NetworkNone NetworkKind = iota
	NetworkPasta
)

// NetworkSpec configures the network namespace's connectivity.
type NetworkSpec struct {
	Kind NetworkKind `json:"kind"`

	// PastaExtraArgs are appended verbatim to the pasta invocation,
	// after the sandbox's own --config-net --no-map-gw flags.
	PastaExtraArgs []string `json:"pasta_extra_args,omitempty"`
}
