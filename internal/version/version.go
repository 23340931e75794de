// ABOUTME: Version constants for the Hearback daemon
// ABOUTME: Single source of truth for product identification
package version

const (
	// Version is the software version.
	Version = "0.1.0"

	// Product is the product name reported to clients.
	Product = "Hearback"

	// Manufacturer identifies the project.
	Manufacturer = "Hearback Project"
)
