// Package crawler defines the types and collaborator contracts shared by the
// crawl orchestration engine: run status, fetch results and their retry
// classification, extracted records, and the narrow interfaces used to reach
// fetch transports, extraction, storage, and notification sinks.
package crawler
