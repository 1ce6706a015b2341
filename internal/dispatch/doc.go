// Package dispatch talks to the external delivery driver service.
//
// Client is the HTTP side used by the order pipeline to poll for a driver.
// Stub is a small gin server standing in for the real service during local
// runs and tests; its Mode decides which status codes it answers with.
package dispatch
