// Package settings persists the values Bifrost must remember across
// restarts: the broker configuration accepted from the local page and the
// startup preferences.
//
// Values are JSON documents in a single key/value table created by the
// embedded migrations. Only validated broker configurations are ever
// written here.
package settings
