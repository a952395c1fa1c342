// Package platform contains filesystem and OS-level helpers: category
// directory layout, conflict resolution, retrying deletion and free disk
// space checks.
package platform
