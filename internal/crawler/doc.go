// Package crawler holds the records, page outcomes, error taxonomy, and
// collaborator interfaces shared by the fetch/extract pipeline. It performs
// no I/O of its own.
package crawler
