// Package types defines the Store, Registrar and Resource contracts, the
// schema rule model, and the standard errors shared by every resdb package.
//
// A Resource is any domain object that carries exactly one identifier for its
// lifetime. Resources embed Base, which also holds the Shadow table where the
// schema graph binds lazily computed attributes.
package types
