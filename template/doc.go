// Package template resolves stored code templates by id.
//
// Templates are read only. A Resolver is backed by an in-memory table, a
// SQL database (sqlite or mysql) or either of those behind a redis cache.
// A missing id is reported as apperror.ErrNotFound before any workspace is
// allocated.
package template
