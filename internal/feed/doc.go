// Package feed exposes named external data providers behind a single gateway.
// Every provider is independently callable and toggle-able, fetch failures are
// returned as error-tagged results, and FetchAll fans out concurrently with a
// barrier join. Context accumulates feed values across revision attempts
// without ever dropping a previously fetched value.
package feed
