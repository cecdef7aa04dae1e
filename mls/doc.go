// Package mls defines the boundary between the group-messaging
// synchronization layer and the underlying MLS-style cryptographic engine.
//
// It contains the wire types exchanged with other members (KeyPackage,
// Welcome, commit and message framing), the error taxonomy shared by the
// orchestration layer, and the Context: a single owned, lock-guarded map of
// live group state that every component receives by injection. The actual
// cryptography lives behind the Engine interface; the default
// implementation is in the mls/suite subpackage.
package mls
