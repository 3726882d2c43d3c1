// Package domain defines the core business types for the outreach engine.
//
// Types in this package are value objects plus the pure rules that govern
// them (status graphs, limit arithmetic). They carry no database, HTTP or
// scheduling dependencies and are the shared language between the engine
// components, the repositories and the API layer.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation and transition methods are allowed (pure functions on the type)
//   - Constants and enums belong here
package domain
