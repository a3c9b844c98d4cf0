// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase logs through one small API
// (Logger + Field helpers) while the sink wiring (console, file, levels)
// stays swappable at runtime via Service.Apply().
package logx
