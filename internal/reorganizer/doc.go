// Package reorganizer drives the external tool that unpacks raw bulk
// downloads and reorganizes them into the standardized layout. The byte
// level rules live in the tool; this package only decides the invocation.
package reorganizer
