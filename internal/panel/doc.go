// Package panel serves the local configuration page as an embedded asset.
//
// The page is a single HTML form with a small script that submits the broker
// configuration and the open-at-login preference to the REST API and shows
// the accepted or rejected outcome pushed over the WebSocket.
//
// Cache-control headers are set to no-cache so an upgraded binary never
// serves a stale script.
package panel
