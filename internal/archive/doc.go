// Package archive defines the batch model and the collaborator interfaces
// shared by the archival pipeline stages: coordinator, fetcher, artifact
// stores, publishers and the transition audit log.
package archive
