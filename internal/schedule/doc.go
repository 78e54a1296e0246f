// Package schedule holds the pure scheduling core: span and deadline
// resolution, free-slot enumeration on a 15-minute grid, conflict detection,
// and the priority-driven slot selection heuristic.
//
// Nothing in this package performs I/O; all inputs are passed in by the
// engine so the logic stays deterministic and directly testable.
package schedule
