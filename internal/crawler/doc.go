// Package crawler defines the types shared by the crawl engine: work items and
// their dispatch, queue and run accounting, stop reasons, and the interfaces
// implemented by storage, queue and publishing backends.
package crawler
