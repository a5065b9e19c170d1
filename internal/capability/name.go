package capability

import "strings"

// DynamicName composes the full name of a dynamic capability.
func DynamicName(base, discriminator string) string {
	return base + "." + discriminator
}

// Descriptor declares a capability a resource registers once its service is up.
type Descriptor struct {
	Name string
	// Dynamic capabilities are registered as DynamicName(Name, <resource key>).
	Dynamic bool
}

// Static declares a capability with a fixed name.
func Static(name string) Descriptor {
	return Descriptor{Name: name}
}

// Dynamic declares a capability parameterized by the owning resource's key.
func Dynamic(base string) Descriptor {
	return Descriptor{Name: base, Dynamic: true}
}

// For returns the full name this descriptor registers for a resource keyed discriminator.
func (d Descriptor) For(discriminator string) string {
	if !d.Dynamic {
		return d.Name
	}
	return DynamicName(d.Name, discriminator)
}

// Base strips the discriminator from a dynamic name. Static names are returned unchanged.
func Base(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
