// Package crawler holds the domain model of the site crawl pipeline: jobs and
// their state machine, page records, analysis results, and the breadth-first
// Engine that walks a single site under a page budget. Collaborators such as
// fetchers, caches, and rate limiters are described by the small interfaces in
// interfaces.go so that the concrete adapters live in their own packages.
package crawler
