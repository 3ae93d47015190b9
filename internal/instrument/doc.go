// Package instrument maintains the process-wide catalog of live
// devices. The loader builds devices from configuration sections and
// connects them over the selected transport; the registry maps names
// and labels to the connected objects for plans and the API.
package instrument
