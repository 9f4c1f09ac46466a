package api

// ResourceObject is a single remote-managed item captured in a snapshot.
// It is never mutated once fetched.
type ResourceObject struct {
	// Namespace the object lives in. Empty for cluster-scoped kinds.
	Namespace string `json:"namespace,omitempty"`
	// Kind is the allow-list key the object was fetched under.
	Kind string `json:"kind"`
	// Name is unique within Namespace+Kind.
	Name string `json:"name"`
	// Document is the full object definition in unstructured form.
	Document map[string]any `json:"document"`
}

// NamespaceKind is the Kind of the objects returned when listing namespaces.
const NamespaceKind = "namespaces"

// NamespaceObject returns a minimal Namespace definition for name.
func NamespaceObject(name string) ResourceObject {
	return ResourceObject{
		Kind: NamespaceKind,
		Name: name,
		Document: map[string]any{
			"apiVersion": "v1",
			"kind":       "Namespace",
			"metadata":   map[string]any{"name": name},
		},
	}
}
