// Package credential provides the type-polymorphic credential model: per-type
// descriptors, the scope registry, and the Redis-backed credential store.
package credential

// Type identifies a credential kind.
type Type string

// Known credential types.
const (
	TypeBasicAuth Type = "basic-auth"
	TypeKeyAuth   Type = "key-auth"
	TypeJWT       Type = "jwt"
	TypeOAuth2    Type = "oauth2"
)

// PropertySpec describes a single type-defined property.
type PropertySpec struct {
	// Name is the property name.
	Name string

	// Required rejects inserts that omit the property and have no default.
	Required bool

	// Mutable allows the property to change after insert.
	Mutable bool

	// Default is applied when the property is omitted on insert.
	Default string
}

// Descriptor is the static per-type configuration. Descriptors are resolved
// from a compile-time registry, never from loaded configuration.
type Descriptor struct {
	// Type is the credential type this descriptor applies to.
	Type Type

	// SecretProperty names the detail that carries the secret. Empty for
	// key-style types, whose secrets are always generated.
	SecretProperty string

	// AutoGenerateSecret permits generating a secret when none is supplied.
	AutoGenerateSecret bool

	// KeyStyle marks types whose credentials are keyed by a generated key id
	// rather than the consumer id. A consumer may own many, and the secret is
	// recoverable rather than hashed.
	KeyStyle bool

	// Properties is the type-defined property schema.
	Properties []PropertySpec
}

// Property returns the spec for a property name.
func (d *Descriptor) Property(name string) (*PropertySpec, bool) {
	for i := range d.Properties {
		if d.Properties[i].Name == name {
			return &d.Properties[i], true
		}
	}
	return nil, false
}

// descriptors is the closed registry of credential types.
var descriptors = map[Type]*Descriptor{
	TypeBasicAuth: {
		Type:           TypeBasicAuth,
		SecretProperty: "password",
	},
	TypeOAuth2: {
		Type:               TypeOAuth2,
		SecretProperty:     "secret",
		AutoGenerateSecret: true,
		Properties: []PropertySpec{
			{Name: "redirectURI", Mutable: true},
		},
	},
	TypeKeyAuth: {
		Type:     TypeKeyAuth,
		KeyStyle: true,
	},
	TypeJWT: {
		Type:     TypeJWT,
		KeyStyle: true,
		Properties: []PropertySpec{
			{Name: "algorithm", Default: "HS256"},
		},
	},
}

// DescriptorFor returns the descriptor for a credential type.
func DescriptorFor(t Type) (*Descriptor, bool) {
	d, ok := descriptors[t]
	return d, ok
}

// Types returns all registered credential types.
func Types() []Type {
	out := make([]Type, 0, len(descriptors))
	for t := range descriptors {
		out = append(out, t)
	}
	return out
}
