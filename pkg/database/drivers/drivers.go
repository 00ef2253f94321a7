// Package drivers groups database/sql driver registrations so the heavy
// embedded engines stay out of builds that do not need them; a binary
// opts in by importing this package.
package drivers

// Ready is a no-op helper used by main packages to make the import
// explicit instead of relying on a bare blank import at the call site.
func Ready() {}
