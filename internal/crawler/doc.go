// Package crawler holds the data model shared by the crawl subsystems: jobs,
// documents, snippets and failed pages, the repository and collaborator
// interfaces they are persisted and fetched through, and the error taxonomy
// used to tell page failures, fatal extraction errors and cancellations apart.
package crawler
