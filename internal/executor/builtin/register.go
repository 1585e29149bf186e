package builtin

import "github.com/flowmill-org/flowmill/internal/executor"

// RegisterAll adds every built-in executor to the registry.
func RegisterAll(r *executor.Registry) {
	r.Register(&Arithmetic{})
	r.Register(&Delay{})
}
