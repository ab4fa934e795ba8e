// Package server hosts the Fiber HTTP service that fronts the application
// origin. Every request outside the /-/ diagnostics namespace is handed to the
// interception handler; diagnostics routes are registered by the routes
// subpackage after NewApp returns.
package server
